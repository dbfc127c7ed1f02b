// Package retention removes rows that outlived their TTL.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/toallcreation/backend/internal/oauthstate"
	"github.com/toallcreation/backend/internal/requests"
	"github.com/toallcreation/backend/internal/scheduled"
)

// Sweeper purges expired upload requests (with their destination children),
// scheduled posts and oauth states. Every table carries its own expires_at,
// written at insert time, so the sweep is a plain comparison against NOW().
type Sweeper struct {
	db             *sql.DB
	requestsTable  string
	destTable      string
	scheduledTable string
	statesTable    string
}

func NewSweeper(db *sql.DB) *Sweeper {
	return &Sweeper{
		db:             db,
		requestsTable:  requests.TableName(),
		destTable:      requests.DestTableName(),
		scheduledTable: scheduled.TableName(),
		statesTable:    oauthstate.TableName(),
	}
}

// RunOnce performs one sweep. Children go before parents so a failure in
// between never strands destination rows without a request.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	children, err := s.exec(ctx, fmt.Sprintf(`
		DELETE FROM %s
		 WHERE request_id IN (SELECT request_id FROM %s WHERE expires_at <= NOW())
	`, s.destTable, s.requestsTable))
	if err != nil {
		return fmt.Errorf("sweep destinations: %w", err)
	}
	parents, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.requestsTable))
	if err != nil {
		return fmt.Errorf("sweep requests: %w", err)
	}
	posts, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.scheduledTable))
	if err != nil {
		return fmt.Errorf("sweep scheduled posts: %w", err)
	}
	states, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.statesTable))
	if err != nil {
		return fmt.Errorf("sweep oauth states: %w", err)
	}
	if children+parents+posts+states > 0 {
		log.Printf("[Retention] swept requests=%d destinations=%d scheduledPosts=%d oauthStates=%d",
			parents, children, posts, states)
	}
	return nil
}

func (s *Sweeper) exec(ctx context.Context, query string) (int64, error) {
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
