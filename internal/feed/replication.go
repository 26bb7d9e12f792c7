package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const outputPlugin = "pgoutput"

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
}

// ReplicationClient consumes the PostgreSQL logical replication stream
// and turns committed row changes on the watched election tables into
// bus events.
type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	bus       *Bus
}

func NewReplicationClient(config *ReplicationConfig, bus *Bus) *ReplicationClient {
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		bus:       bus,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s replication=database",
		rc.config.Host,
		rc.config.Port,
		rc.config.Database,
		rc.config.User,
		rc.config.Password,
	)

	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) DropSlot(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.DropReplicationSlot(ctx, rc.conn, rc.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("failed to drop replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return nil
}

// ReceiveMessage waits for the next replication message and publishes
// any resulting change events. Returns the highest WAL position seen so
// the caller can checkpoint it; zero means nothing new arrived.
func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) (pglogrepl.LSN, error) {
	if rc.conn == nil {
		return 0, fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(msg.Data)
	default:
		return 0, nil
	}
}

func (rc *ReplicationClient) handleCopyData(data []byte) (pglogrepl.LSN, error) {
	if len(data) == 0 {
		return 0, nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(data[1:])
	}

	return 0, nil
}

func (rc *ReplicationClient) handleKeepalive(data []byte) (pglogrepl.LSN, error) {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return pkm.ServerWALEnd, rc.SendStandbyStatusUpdate(context.Background(), pkm.ServerWALEnd)
	}

	return 0, nil
}

func (rc *ReplicationClient) handleXLogData(data []byte) (pglogrepl.LSN, error) {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse xlog data: %w", err)
	}

	if err := rc.processWALData(xld.WALData); err != nil {
		return 0, err
	}
	return xld.WALStart, nil
}

func (rc *ReplicationClient) processWALData(walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg

	case *pglogrepl.InsertMessage:
		return rc.handleInsert(msg)

	case *pglogrepl.UpdateMessage:
		return rc.handleUpdate(msg)

	case *pglogrepl.DeleteMessage:
		return rc.handleDelete(msg)
	}

	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status)
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

func (rc *ReplicationClient) handleInsert(msg *pglogrepl.InsertMessage) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}
	if !watchedTable(rel.RelationName) {
		return nil
	}

	rc.bus.Publish(Event{
		Op:        OpInsert,
		Table:     rel.RelationName,
		Row:       rc.tupleToMap(rel, msg.Tuple),
		Timestamp: time.Now(),
	})
	return nil
}

func (rc *ReplicationClient) handleUpdate(msg *pglogrepl.UpdateMessage) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}
	if !watchedTable(rel.RelationName) {
		return nil
	}

	rc.bus.Publish(Event{
		Op:        OpUpdate,
		Table:     rel.RelationName,
		Row:       rc.tupleToMap(rel, msg.NewTuple),
		Timestamp: time.Now(),
	})
	return nil
}

func (rc *ReplicationClient) handleDelete(msg *pglogrepl.DeleteMessage) error {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}
	if !watchedTable(rel.RelationName) {
		return nil
	}

	var row map[string]any
	if msg.OldTuple != nil {
		row = rc.tupleToMap(rel, msg.OldTuple)
	}

	rc.bus.Publish(Event{
		Op:        OpDelete,
		Table:     rel.RelationName,
		Row:       row,
		Timestamp: time.Now(),
	})
	return nil
}

func (rc *ReplicationClient) tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	values := make(map[string]any)
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		colName := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[colName] = nil
		case 't':
			values[colName] = string(col.Data)
		}
	}

	return values
}
