package lang

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
)

//go:embed default.yaml
var defaultCatalogue []byte

var (
	mu       sync.RWMutex
	messages = mustParse(defaultCatalogue)
)

// Load replaces the active messages with the catalogue at path. Keys missing
// from the file keep their built-in text. An empty path restores the defaults.
func Load(path string, log *zap.Logger) error {
	base := mustParse(defaultCatalogue)
	if path == "" {
		swap(base)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		swap(base)
		return fmt.Errorf("read %s: %w", path, err)
	}
	m, active, err := parse(data)
	if err != nil {
		swap(base)
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range m {
		base[k] = v
	}
	swap(base)
	log.Info("language loaded", zap.String("language", active), zap.Int("keys", len(m)))
	return nil
}

func swap(m map[string]string) {
	mu.Lock()
	messages = m
	mu.Unlock()
}

func mustParse(data []byte) map[string]string {
	m, _, err := parse(data)
	if err != nil {
		panic("lang: built-in catalogue: " + err.Error())
	}
	return m
}

func parse(data []byte) (map[string]string, string, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", err
	}

	active := "en"
	if v, ok := raw["active_language"].(string); ok && v != "" {
		active = v
	}
	block, ok := raw[active]
	if !ok {
		active = "en"
		block, ok = raw[active]
		if !ok {
			return nil, "", fmt.Errorf("language %q not found", active)
		}
	}
	blockMap, ok := block.(map[string]interface{})
	if !ok {
		return nil, "", fmt.Errorf("language block %q is not a map", active)
	}

	m := make(map[string]string, len(blockMap))
	for k, v := range blockMap {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	return m, active, nil
}

// T looks up key and replaces {name} placeholders from pairs.
func T(key string, pairs ...string) string {
	mu.RLock()
	s, ok := messages[key]
	mu.RUnlock()

	if !ok {
		return "{" + key + "}"
	}
	for j := 0; j+1 < len(pairs); j += 2 {
		s = strings.ReplaceAll(s, "{"+pairs[j]+"}", pairs[j+1])
	}
	return s
}

var errorKeys = map[errs.Kind]string{
	errs.NotFound:            "err_not_found",
	errs.InvalidState:        "err_invalid_state",
	errs.DuplicateTicket:     "err_duplicate_ticket",
	errs.AlreadyClaimed:      "err_already_claimed",
	errs.AlreadyClosed:       "err_already_closed",
	errs.Unresolvable:        "err_unresolvable",
	errs.ResourceUnavailable: "err_resource_unavailable",
	errs.Forbidden:           "err_forbidden",
}

// Error renders a user-facing message for an engine error, naming the subject
// and the reason.
func Error(err error) string {
	if err == nil {
		return ""
	}
	key, ok := errorKeys[errs.KindOf(err)]
	if !ok {
		key = "err_unknown"
	}

	subject := errs.SubjectOf(err)
	if subject == "" {
		subject = "-"
	}
	reason := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		reason = e.Reason()
	}
	if reason == "" {
		reason = errs.KindOf(err).String()
	}
	return T(key, "subject", subject, "reason", reason)
}
