package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

// Stream owns the replication client lifecycle: publication and slot
// setup, the receive loop with backoff, and LSN checkpointing so a
// restart resumes where the previous run left off.
type Stream struct {
	config     *ReplicationConfig
	client     *ReplicationClient
	bus        *Bus
	checkpoint *Checkpoint
	logger     *slog.Logger

	mu         sync.Mutex
	currentLSN pglogrepl.LSN
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewStream(config *ReplicationConfig, bus *Bus, checkpoint *Checkpoint, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		config:     config,
		bus:        bus,
		checkpoint: checkpoint,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (s *Stream) Initialize(ctx context.Context) error {
	if err := s.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := NewReplicationClient(s.config, s.bus)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	if s.checkpoint != nil {
		lsn, err := s.checkpoint.LSN()
		if err != nil {
			client.Close(ctx)
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		s.currentLSN = lsn
	}

	s.client = client
	return nil
}

func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("stream already running")
	}
	if s.client == nil {
		return fmt.Errorf("stream not initialized")
	}

	if err := s.client.StartReplication(ctx, s.currentLSN); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	s.running = true
	s.wg.Add(1)
	go s.receiveLoop(ctx)

	return nil
}

func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}

func (s *Stream) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	errorCount := 0
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			lsn, err := s.client.ReceiveMessage(ctx)
			if err != nil {
				errorCount++
				backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}

				s.logger.Error("replication receive failed",
					"error", err, "retry_in", backoff)

				select {
				case <-time.After(backoff):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}

			errorCount = 0
			if lsn > 0 {
				s.advanceLSN(ctx, lsn)
			}
		}
	}
}

func (s *Stream) advanceLSN(ctx context.Context, lsn pglogrepl.LSN) {
	s.mu.Lock()
	if lsn <= s.currentLSN {
		s.mu.Unlock()
		return
	}
	s.currentLSN = lsn
	s.mu.Unlock()

	if s.checkpoint != nil {
		if err := s.checkpoint.SaveLSN(lsn); err != nil {
			s.logger.Warn("failed to checkpoint LSN", "lsn", lsn.String(), "error", err)
		}
	}
	if err := s.client.SendStandbyStatusUpdate(ctx, lsn); err != nil {
		s.logger.Warn("failed to send standby status", "error", err)
	}
}

// LSN returns the latest WAL position the stream has processed.
func (s *Stream) LSN() pglogrepl.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLSN
}

func (s *Stream) createPublicationIfNotExists(ctx context.Context) error {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		s.config.Host,
		s.config.Port,
		s.config.Database,
		s.config.User,
		s.config.Password,
	)

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		s.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx, fmt.Sprintf(
			"CREATE PUBLICATION %s FOR TABLE elections, candidates, votes",
			s.config.PublicationName,
		))
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		s.logger.Info("created publication", "name", s.config.PublicationName)
	}

	return nil
}
