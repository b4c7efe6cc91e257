package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

// Database persists every ticket of a guild from the moment it is opened.
// Rows are keyed on (guild, number); numbers are allocated past
// LastTicketNumber so a restart never reuses one.
type Database interface {
	SaveTicket(ctx context.Context, t Ticket) error
	// ActiveTickets returns the open and claimed tickets, lowest number first.
	ActiveTickets(ctx context.Context, guildID string) ([]Ticket, error)
	// LastTicketNumber returns the highest number ever stored, or 0.
	LastTicketNumber(ctx context.Context, guildID string) (int, error)
	// ClosedTickets returns closed tickets, most recently closed first.
	ClosedTickets(ctx context.Context, guildID string, limit int) ([]Ticket, error)
	Close() error
}

func OpenDatabase(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (Database, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		log.Info("ticket database ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLite.Path))
		return db, nil

	case "mongodb":
		db, err := OpenMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			return nil, err
		}
		log.Info("ticket database ready", zap.String("driver", "mongodb"), zap.String("database", cfg.MongoDB.Database))
		return db, nil

	case "none":
		return NopDatabase{}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s (use \"sqlite\" or \"mongodb\")", cfg.Driver)
	}
}

// NopDatabase keeps nothing; tickets live only as long as the process.
type NopDatabase struct{}

func (NopDatabase) SaveTicket(context.Context, Ticket) error { return nil }
func (NopDatabase) ActiveTickets(context.Context, string) ([]Ticket, error) {
	return nil, nil
}
func (NopDatabase) LastTicketNumber(context.Context, string) (int, error) { return 0, nil }
func (NopDatabase) ClosedTickets(context.Context, string, int) ([]Ticket, error) {
	return nil, nil
}
func (NopDatabase) Close() error { return nil }

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		_ = os.MkdirAll(filepath.Dir(path), 0755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id       TEXT NOT NULL,
		number         INTEGER NOT NULL,
		ticket_id      TEXT NOT NULL,
		owner_id       TEXT NOT NULL,
		thread_ref     TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		claimed_by     TEXT NOT NULL DEFAULT '',
		closed_by      TEXT NOT NULL DEFAULT '',
		closed_reason  TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		claimed_at     TEXT NOT NULL DEFAULT '',
		closed_at      TEXT NOT NULL DEFAULT '',
		UNIQUE(guild_id, number)
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(guild_id, status);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDB) SaveTicket(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets
		(guild_id, number, ticket_id, owner_id, thread_ref, status, claimed_by, closed_by, closed_reason, created_at, claimed_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, number) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			owner_id = excluded.owner_id,
			thread_ref = excluded.thread_ref,
			status = excluded.status,
			claimed_by = excluded.claimed_by,
			closed_by = excluded.closed_by,
			closed_reason = excluded.closed_reason,
			created_at = excluded.created_at,
			claimed_at = excluded.claimed_at,
			closed_at = excluded.closed_at`,
		t.GuildID, t.Number, t.ID, t.OwnerID, t.ThreadRef, string(t.Status), t.ClaimedBy, t.ClosedBy, t.ClosedReason,
		formatTime(t.CreatedAt), formatTime(t.ClaimedAt), formatTime(t.ClosedAt),
	)
	return err
}

const ticketColumns = `ticket_id, number, owner_id, thread_ref, status, claimed_by, closed_by, closed_reason, created_at, claimed_at, closed_at`

func (s *SQLiteDB) ActiveTickets(ctx context.Context, guildID string) ([]Ticket, error) {
	return s.query(ctx, guildID,
		`SELECT `+ticketColumns+` FROM tickets
		WHERE guild_id = ? AND status IN ('open', 'claimed') ORDER BY number`,
		guildID,
	)
}

func (s *SQLiteDB) ClosedTickets(ctx context.Context, guildID string, limit int) ([]Ticket, error) {
	return s.query(ctx, guildID,
		`SELECT `+ticketColumns+` FROM tickets
		WHERE guild_id = ? AND status = 'closed' ORDER BY closed_at DESC, number DESC LIMIT ?`,
		guildID, limit,
	)
}

func (s *SQLiteDB) LastTicketNumber(ctx context.Context, guildID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) FROM tickets WHERE guild_id = ?`, guildID).Scan(&n)
	return n, err
}

func (s *SQLiteDB) query(ctx context.Context, guildID, query string, args ...any) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var (
			t                              Ticket
			status                         string
			createdAt, claimedAt, closedAt string
		)
		if err := rows.Scan(&t.ID, &t.Number, &t.OwnerID, &t.ThreadRef, &status, &t.ClaimedBy, &t.ClosedBy, &t.ClosedReason,
			&createdAt, &claimedAt, &closedAt); err != nil {
			return nil, err
		}
		t.GuildID = guildID
		t.Status = TicketStatus(status)
		t.CreatedAt = parseTime(createdAt)
		t.ClaimedAt = parseTime(claimedAt)
		t.ClosedAt = parseTime(closedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type MongoDB struct {
	client  *mongo.Client
	tickets *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, database string) (*MongoDB, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is empty")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	m := &MongoDB{
		client:  client,
		tickets: client.Database(database).Collection("tickets"),
	}
	_, err = m.tickets.Indexes().CreateMany(pingCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "guild_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb index: %w", err)
	}
	return m, nil
}

func (m *MongoDB) SaveTicket(ctx context.Context, t Ticket) error {
	_, err := m.tickets.ReplaceOne(ctx,
		bson.M{"guild_id": t.GuildID, "number": t.Number},
		t,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (m *MongoDB) ActiveTickets(ctx context.Context, guildID string) ([]Ticket, error) {
	filter := bson.M{"guild_id": guildID, "status": bson.M{"$in": []TicketStatus{TicketOpen, TicketClaimed}}}
	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "number", Value: 1}}))
}

func (m *MongoDB) ClosedTickets(ctx context.Context, guildID string, limit int) ([]Ticket, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "closed_at", Value: -1}, {Key: "number", Value: -1}}).
		SetLimit(int64(limit))
	return m.find(ctx, bson.M{"guild_id": guildID, "status": TicketClosed}, opts)
}

func (m *MongoDB) LastTicketNumber(ctx context.Context, guildID string) (int, error) {
	var last Ticket
	opts := options.FindOne().SetSort(bson.D{{Key: "number", Value: -1}})
	err := m.tickets.FindOne(ctx, bson.M{"guild_id": guildID}, opts).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last.Number, nil
}

func (m *MongoDB) find(ctx context.Context, filter any, opts *options.FindOptionsBuilder) ([]Ticket, error) {
	cursor, err := m.tickets.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Ticket
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
