package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/pipeline"
	"github.com/mehmetymw/fhirsink/internal/types"
)

const standbyTimeout = 10 * time.Second

// OutboxSource streams inserts into the outbox table over logical
// replication. Each inserted row becomes one envelope. The slot is only
// advanced past a transaction once every row from it has been acked.
type OutboxSource struct {
	cfg    config.PostgresSource
	schema string
	table  string
	logger *zap.Logger

	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	open      *txn
	ready     []*message
	deadline  time.Time

	confirmed atomic.Uint64
}

// txn collects outbox rows until their commit is seen.
type txn struct {
	pending   []*message
	commitLSN pglogrepl.LSN
	rows      int
	acked     atomic.Int32
}

func New(cfg config.PostgresSource, logger *zap.Logger) (*OutboxSource, error) {
	if cfg.DSN == "" || cfg.Slot == "" || cfg.Publication == "" {
		return nil, errors.New("postgres source needs dsn, slot and publication")
	}
	schema, table := "public", cfg.OutboxTable
	if i := strings.IndexByte(cfg.OutboxTable, '.'); i >= 0 {
		schema, table = cfg.OutboxTable[:i], cfg.OutboxTable[i+1:]
	}
	logger.Info("Creating outbox replication source",
		zap.String("slot", cfg.Slot),
		zap.String("publication", cfg.Publication),
		zap.String("outbox", schema+"."+table))
	return &OutboxSource{
		cfg:       cfg,
		schema:    schema,
		table:     table,
		logger:    logger,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}, nil
}

func (s *OutboxSource) Next(ctx context.Context) (pipeline.Message, error) {
	if s.conn == nil {
		if err := s.start(ctx); err != nil {
			return nil, err
		}
	}
	for len(s.ready) == 0 {
		if err := s.receive(ctx); err != nil {
			return nil, err
		}
	}
	m := s.ready[0]
	s.ready = s.ready[1:]
	return m, nil
}

func (s *OutboxSource) Close() error {
	if s.conn == nil {
		return nil
	}
	s.logger.Info("Closing replication connection")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sendStatus(ctx); err != nil {
		s.logger.Warn("Final standby status update failed", zap.Error(err))
	}
	return s.conn.Close(ctx)
}

func (s *OutboxSource) start(ctx context.Context) error {
	if s.cfg.CreatePublication {
		s.createPublication(ctx)
	}

	cfg, err := pgconn.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	s.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database))
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}

	if s.cfg.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
		if err != nil {
			s.logger.Warn("Failed to create replication slot (may already exist)",
				zap.String("slot", s.cfg.Slot), zap.Error(err))
		} else {
			s.logger.Info("Replication slot created", zap.String("slot", s.cfg.Slot))
		}
	}

	startLSN := pglogrepl.LSN(0)
	if s.cfg.StartLSN != "" {
		startLSN, err = pglogrepl.ParseLSN(s.cfg.StartLSN)
		if err != nil {
			conn.Close(ctx)
			return fmt.Errorf("parse start_lsn: %w", err)
		}
	}
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, startLSN, opts); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("start replication: %w", err)
	}
	s.logger.Info("Started replication", zap.String("slot", s.cfg.Slot), zap.String("lsn", startLSN.String()))

	s.conn = conn
	s.confirmed.Store(uint64(startLSN))
	s.deadline = time.Now().Add(standbyTimeout)
	return nil
}

func (s *OutboxSource) createPublication(ctx context.Context) {
	std, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		s.logger.Error("Failed to connect for publication creation", zap.Error(err))
		return
	}
	defer std.Close(ctx)

	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s.%s", s.cfg.Publication, s.schema, s.table)
	if _, err := std.Exec(ctx, stmt); err != nil {
		s.logger.Warn("Failed to create publication (may already exist)",
			zap.String("publication", s.cfg.Publication), zap.Error(err))
		return
	}
	s.logger.Info("Publication created", zap.String("publication", s.cfg.Publication))
}

// receive reads one protocol message and queues any outbox rows it
// completes. It sends a standby status update whenever the deadline passes.
func (s *OutboxSource) receive(ctx context.Context) error {
	if time.Now().After(s.deadline) {
		if err := s.sendStatus(ctx); err != nil {
			return err
		}
		s.deadline = time.Now().Add(standbyTimeout)
	}

	rctx, cancel := context.WithDeadline(ctx, s.deadline)
	raw, err := s.conn.ReceiveMessage(rctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive replication message: %w", err)
	}

	switch msg := raw.(type) {
	case *pgproto3.CopyData:
		if len(msg.Data) == 0 {
			return nil
		}
		switch msg.Data[0] {
		case pglogrepl.XLogDataByteID:
			x, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			logical, err := pglogrepl.Parse(x.WALData)
			if err != nil {
				return fmt.Errorf("parse logical message: %w", err)
			}
			s.apply(logical, x.WALStart)
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if ka.ReplyRequested {
				s.deadline = time.Time{}
			}
		}
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	}
	return nil
}

func (s *OutboxSource) sendStatus(ctx context.Context) error {
	lsn := pglogrepl.LSN(s.confirmed.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	s.logger.Debug("Sent standby status", zap.String("lsn", lsn.String()))
	return nil
}

func (s *OutboxSource) apply(logical pglogrepl.Message, walStart pglogrepl.LSN) {
	switch msg := logical.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg
	case *pglogrepl.BeginMessage:
		s.open = &txn{}
	case *pglogrepl.InsertMessage:
		rel, ok := s.relations[msg.RelationID]
		if !ok || rel.Namespace != s.schema || rel.RelationName != s.table {
			return
		}
		if s.open == nil {
			s.open = &txn{}
		}
		env, err := envelopeFrom(rel, msg.Tuple)
		if err != nil {
			s.logger.Warn("Outbox row could not be encoded", zap.String("lsn", walStart.String()), zap.Error(err))
			return
		}
		s.open.pending = append(s.open.pending, &message{
			delivery: types.Delivery{Data: env, Seq: uint64(walStart), Subject: s.schema + "." + s.table},
			txn:      s.open,
			source:   s,
		})
	case *pglogrepl.CommitMessage:
		t := s.open
		s.open = nil
		if t == nil || len(t.pending) == 0 {
			s.confirm(msg.CommitLSN)
			return
		}
		t.commitLSN = msg.CommitLSN
		t.rows = len(t.pending)
		s.ready = append(s.ready, t.pending...)
		t.pending = nil
		s.logger.Debug("Outbox transaction committed",
			zap.String("lsn", msg.CommitLSN.String()),
			zap.Int("rows", t.rows))
	}
}

func (s *OutboxSource) confirm(lsn pglogrepl.LSN) {
	for {
		cur := s.confirmed.Load()
		if uint64(lsn) <= cur || s.confirmed.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// Confirmed returns the LSN up to which every outbox row has been acked.
func (s *OutboxSource) Confirmed() pglogrepl.LSN {
	return pglogrepl.LSN(s.confirmed.Load())
}

func envelopeFrom(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) ([]byte, error) {
	if tuple == nil {
		return nil, errors.New("insert without tuple")
	}
	cols := make(map[string]string, len(rel.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) || col.DataType != pglogrepl.TupleDataTypeText {
			continue
		}
		cols[rel.Columns[i].Name] = string(col.Data)
	}
	return types.NewEnvelope(types.Op(cols["op"]), fhir.Kind(cols["resource_kind"]), []byte(cols["resource"]))
}

type message struct {
	delivery types.Delivery
	txn      *txn
	source   *OutboxSource
}

func (m *message) Delivery() types.Delivery { return m.delivery }

func (m *message) Ack(context.Context) error {
	if int(m.txn.acked.Add(1)) == m.txn.rows {
		m.source.confirm(m.txn.commitLSN)
	}
	return nil
}
