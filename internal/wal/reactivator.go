package wal

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/router"
)

const (
	OutputPlugin = "wal2json"

	DefaultSlot            = "continuum"
	DefaultStandbyInterval = 10 * time.Second

	duplicateObject = "42710"
)

type ReactivatorConfig struct {
	SourceID        string
	DatabaseURL     string
	Slot            string
	Tables          map[string]Table
	StandbyInterval time.Duration
	Publisher       bus.Publisher

	Logger *zap.Logger
	Clock  clock.Clock
}

// Reactivator follows a logical replication slot and publishes every
// committed transaction on the replicated tables to {sourceId}-change. The
// slot position only advances past a transaction once it is published.
type Reactivator struct {
	cfg     ReactivatorConfig
	logger  *zap.Logger
	decoder *Decoder
	tomb    tomb.Tomb

	flushed pglogrepl.LSN
}

func NewReactivator(cfg ReactivatorConfig) *Reactivator {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Slot == "" {
		cfg.Slot = DefaultSlot
	}
	if cfg.StandbyInterval <= 0 {
		cfg.StandbyInterval = DefaultStandbyInterval
	}
	return &Reactivator{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("source_id", cfg.SourceID), zap.String("slot", cfg.Slot)),
		decoder: NewDecoder(cfg.Tables),
	}
}

func (r *Reactivator) Start() {
	r.tomb.Go(r.loop)
}

func (r *Reactivator) Stop() error {
	r.tomb.Kill(nil)
	return r.tomb.Wait()
}

func (r *Reactivator) Dead() <-chan struct{} {
	return r.tomb.Dead()
}

func (r *Reactivator) loop() error {
	ctx := r.tomb.Context(nil)
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	for {
		err := r.session(ctx, retry)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		r.logger.Error("replication interrupted", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-r.cfg.Clock.After(wait):
		case <-r.tomb.Dying():
			return nil
		}
	}
}

// replicationDSN selects the replication protocol on a connection string in
// either URL or keyword/value form.
func replicationDSN(dsn string) (string, error) {
	if !strings.Contains(dsn, "://") {
		return dsn + " replication=database", nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.NewNotValid(err, "database url")
	}
	q := u.Query()
	q.Set("replication", "database")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Reactivator) pluginArgs() []string {
	names := make([]string, 0, len(r.cfg.Tables))
	for _, t := range r.cfg.Tables {
		names = append(names, t.String())
	}
	sort.Strings(names)
	args := []string{`"include-pk" 'true'`, `"include-lsn" 'true'`, `"include-timestamp" 'true'`}
	if len(names) > 0 {
		args = append(args, `"add-tables" '`+strings.Join(names, ",")+`'`)
	}
	return args
}

func (r *Reactivator) session(ctx context.Context, retry backoff.BackOff) error {
	dsn, err := replicationDSN(r.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return errors.Annotate(err, "connecting for replication")
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return errors.Annotate(err, "identifying system")
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Slot, OutputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	var pgErr *pgconn.PgError
	if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == duplicateObject) {
		return errors.Annotatef(err, "creating slot %s", r.cfg.Slot)
	}

	// 0 resumes from the slot's confirmed position
	if err := pglogrepl.StartReplication(ctx, conn, r.cfg.Slot, 0,
		pglogrepl.StartReplicationOptions{PluginArgs: r.pluginArgs()}); err != nil {
		return errors.Annotate(err, "starting replication")
	}
	r.logger.Info("replication started", zap.String("system_id", sys.SystemID), zap.Stringer("xlog_pos", sys.XLogPos))
	retry.Reset()

	nextStandby := r.cfg.Clock.Now().Add(r.cfg.StandbyInterval)
	for {
		if !r.cfg.Clock.Now().Before(nextStandby) {
			if err := r.sendStandby(ctx, conn); err != nil {
				return err
			}
			nextStandby = r.cfg.Clock.Now().Add(r.cfg.StandbyInterval)
		}

		recvCtx, cancel := context.WithTimeout(ctx, nextStandby.Sub(r.cfg.Clock.Now()))
		raw, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return errors.Annotate(err, "receiving replication message")
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return errors.Errorf("replication error: %s", msg.Message)
		case *pgproto3.CopyData:
			replyNow, err := r.handleCopyData(ctx, msg.Data)
			if err != nil {
				return err
			}
			if replyNow {
				nextStandby = time.Time{}
			}
		default:
			r.logger.Debug("unexpected replication message", zap.String("type", fmt.Sprintf("%T", raw)))
		}
	}
}

// handleCopyData processes one replication frame. It reports whether the
// server asked for an immediate status update.
func (r *Reactivator) handleCopyData(ctx context.Context, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return false, errors.Annotate(err, "parsing keepalive")
		}
		return pkm.ReplyRequested, nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return false, errors.Annotate(err, "parsing xlog data")
		}
		if err := r.publish(ctx, uint64(xld.WALStart), xld.WALData); err != nil {
			return false, err
		}
		r.flushed = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
	}
	return false, nil
}

// publish sends the changes of one transaction as a single stream entry.
// Undecodable transactions are logged and skipped.
func (r *Reactivator) publish(ctx context.Context, lsn uint64, walData []byte) error {
	msgs, err := r.decoder.Decode(walData, lsn, r.cfg.Clock.Now())
	if err != nil {
		r.logger.Error("skipping transaction", zap.Uint64("lsn", lsn), zap.Error(err))
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}
	if _, err := r.cfg.Publisher.Publish(ctx, router.ChangeTopic(r.cfg.SourceID), msgs); err != nil {
		return errors.Annotatef(err, "publishing changes at %s", pglogrepl.LSN(lsn))
	}
	r.logger.Debug("changes published", zap.Int("count", len(msgs)), zap.Stringer("lsn", pglogrepl.LSN(lsn)))
	return nil
}

// sendStandby reports the flushed position. Before the first transaction it
// is 0, which the server accepts as a keepalive without moving the slot.
func (r *Reactivator) sendStandby(ctx context.Context, conn *pgconn.PgConn) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: r.flushed,
		WALFlushPosition: r.flushed,
		WALApplyPosition: r.flushed,
		ClientTime:       r.cfg.Clock.Now(),
	})
	return errors.Annotate(err, "sending standby status")
}
