package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/landmarkseq/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no sequence has the requested id.
var ErrNotFound = errors.New("sequence not found")

// Store archives landmark sequences in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// SequenceInfo is one row of the archive listing.
type SequenceInfo struct {
	ID         uuid.UUID
	Source     string
	SourceID   string
	FrameCount int
	FaceCount  int
	CreatedAt  time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the archive tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sequences (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			frame_count INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS frames (
			sequence_id UUID REFERENCES sequences(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			PRIMARY KEY (sequence_id, frame_index)
		);
		CREATE TABLE IF NOT EXISTS faces (
			sequence_id UUID NOT NULL,
			frame_index INT NOT NULL,
			face_index INT NOT NULL,
			bbox INT[] NOT NULL,
			landmarks INT[] NOT NULL,
			PRIMARY KEY (sequence_id, frame_index, face_index),
			FOREIGN KEY (sequence_id, frame_index) REFERENCES frames (sequence_id, frame_index) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS sequences_source_id_idx ON sequences (source_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

func int32Of(v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("value %d out of int32 range", v)
	}
	return int32(v), nil
}

func int32s(vs ...int) ([]int32, error) {
	out := make([]int32, len(vs))
	for i, v := range vs {
		n, err := int32Of(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// flatten packs landmarks as [x0, y0, x1, y1, ...].
func flatten(pts []types.Point) ([]int32, error) {
	vs := make([]int, 0, 2*len(pts))
	for _, p := range pts {
		vs = append(vs, p.X, p.Y)
	}
	return int32s(vs...)
}

// SaveSequence stores frames under a new id in a single transaction.
func (s *Store) SaveSequence(ctx context.Context, source, sourceID string, frames []types.Frame) (uuid.UUID, error) {
	id := uuid.New()

	var frameRows, faceRows [][]any
	for i, f := range frames {
		dims, err := int32s(f.Width, f.Height)
		if err != nil {
			return uuid.Nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frameRows = append(frameRows, []any{id, int32(i), dims[0], dims[1]})

		for j, face := range f.Faces {
			bbox, err := int32s(face.BBox.X, face.BBox.Y, face.BBox.Width, face.BBox.Height)
			if err != nil {
				return uuid.Nil, fmt.Errorf("frame %d face %d: %w", i, j, err)
			}
			pts, err := flatten(face.Landmarks)
			if err != nil {
				return uuid.Nil, fmt.Errorf("frame %d face %d: %w", i, j, err)
			}
			faceRows = append(faceRows, []any{id, int32(i), int32(j), bbox, pts})
		}
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sequences (id, source, source_id, frame_count, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, source, sourceID, len(frames))
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"frames"},
		[]string{"sequence_id", "frame_index", "width", "height"},
		pgx.CopyFromRows(frameRows)); err != nil {
		return uuid.Nil, fmt.Errorf("copy frames: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"faces"},
		[]string{"sequence_id", "frame_index", "face_index", "bbox", "landmarks"},
		pgx.CopyFromRows(faceRows)); err != nil {
		return uuid.Nil, fmt.Errorf("copy faces: %w", err)
	}

	return id, tx.Commit(ctx)
}

// LoadSequence returns the frames of a stored sequence in their original order.
func (s *Store) LoadSequence(ctx context.Context, id uuid.UUID) ([]types.Frame, error) {
	var count int
	err := s.conn.QueryRow(ctx, "SELECT frame_count FROM sequences WHERE id = $1", id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	frames := make([]types.Frame, count)

	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, width, height FROM frames
		WHERE sequence_id = $1 ORDER BY frame_index
	`, id)
	if err != nil {
		return nil, err
	}
	seen := 0
	for rows.Next() {
		var idx, w, h int
		if err := rows.Scan(&idx, &w, &h); err != nil {
			rows.Close()
			return nil, err
		}
		if idx != seen || idx >= count {
			rows.Close()
			return nil, fmt.Errorf("sequence %s: unexpected frame index %d", id, idx)
		}
		frames[idx] = types.Frame{Width: w, Height: h, Faces: []types.Face{}}
		seen++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if seen != count {
		return nil, fmt.Errorf("sequence %s: %d of %d frames stored", id, seen, count)
	}

	rows, err = s.conn.Query(ctx, `
		SELECT frame_index, bbox, landmarks FROM faces
		WHERE sequence_id = $1 ORDER BY frame_index, face_index
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var bbox, pts []int32
		if err := rows.Scan(&idx, &bbox, &pts); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= count || len(bbox) != 4 || len(pts)%2 != 0 {
			return nil, fmt.Errorf("sequence %s: malformed face row in frame %d", id, idx)
		}

		face := types.Face{
			BBox:      types.BoundingBox{X: int(bbox[0]), Y: int(bbox[1]), Width: int(bbox[2]), Height: int(bbox[3])},
			Landmarks: make([]types.Point, len(pts)/2),
		}
		for i := range face.Landmarks {
			face.Landmarks[i] = types.Point{X: int(pts[2*i]), Y: int(pts[2*i+1])}
		}
		frames[idx].Faces = append(frames[idx].Faces, face)
	}
	return frames, rows.Err()
}

// ListSequences returns every archived sequence, newest first.
func (s *Store) ListSequences(ctx context.Context) ([]SequenceInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.source_id, s.frame_count, s.created_at,
			(SELECT COUNT(*) FROM faces f WHERE f.sequence_id = s.id)
		FROM sequences s
		ORDER BY s.created_at DESC, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []SequenceInfo
	for rows.Next() {
		var si SequenceInfo
		if err := rows.Scan(&si.ID, &si.Source, &si.SourceID, &si.FrameCount, &si.CreatedAt, &si.FaceCount); err != nil {
			return nil, err
		}
		list = append(list, si)
	}
	return list, rows.Err()
}

// DeleteSequence removes one sequence; frames and faces cascade.
func (s *Store) DeleteSequence(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM sequences WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS faces CASCADE;
		DROP TABLE IF EXISTS frames CASCADE;
		DROP TABLE IF EXISTS sequences CASCADE;
	`)
	return err
}
