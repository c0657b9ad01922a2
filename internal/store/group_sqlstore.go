package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// GroupSQLStore keeps the coordinator state in sqlite or postgres. Both
// accept the same queries.
type GroupSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewGroupSQLStore(rdb, rwdb *sql.DB) *GroupSQLStore {
	return &GroupSQLStore{rdb, rwdb}
}

func (store *GroupSQLStore) CreateGroup(
	ctx context.Context,
	name string,
	size int,
	expires time.Time,
) (*Group, error) {
	g := &Group{
		GroupName: name,
		GroupSize: size,
		CreatedOn: time.Now().UTC().Truncate(time.Second),
		ExpiresOn: expires.UTC().Truncate(time.Second),
	}
	query := `insert into multinode_groups (
		group_name,
		group_size,
		created_on,
		expires_on
	)
	values ($1, $2, $3, $4)`
	if _, err := store.rwdb.ExecContext(ctx, query, g.GroupName, g.GroupSize, g.CreatedOn, g.ExpiresOn); err != nil {
		return nil, err
	}
	return g, nil
}

func (store *GroupSQLStore) ReadGroup(ctx context.Context, name string) (*Group, error) {
	g := new(Group)
	query := "select * from multinode_groups where group_name = $1"
	if err := sqlscan.Get(ctx, store.rdb, g, query, name); err != nil {
		return nil, err
	}
	return g, nil
}

func (store *GroupSQLStore) DeleteGroup(ctx context.Context, name string) error {
	query := "delete from multinode_groups where group_name = $1"
	_, err := store.rwdb.ExecContext(ctx, query, name)
	return err
}

func (store *GroupSQLStore) CountGroups(ctx context.Context) (int64, error) {
	var count int64
	err := sqlscan.Get(ctx, store.rdb, &count, "select count(*) from multinode_groups")
	return count, err
}

// RemoveExpired deletes the groups that expired before now together
// with their clients, messages and syncs.
func (store *GroupSQLStore) RemoveExpired(ctx context.Context, now time.Time) (int64, error) {
	query := "delete from multinode_groups where expires_on < $1"
	res, err := store.rwdb.ExecContext(ctx, query, now.UTC().Truncate(time.Second))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (store *GroupSQLStore) AddClient(ctx context.Context, group, client, role string) error {
	query := `insert into clients (
		group_name,
		client_name,
		role
	)
	values ($1, $2, $3)
	on conflict (group_name, client_name) do nothing`
	_, err := store.rwdb.ExecContext(ctx, query, group, client, role)
	return err
}

func (store *GroupSQLStore) ListClients(ctx context.Context, group string) ([]Client, error) {
	query := `select * from clients
	where group_name = $1
	order by client_name`
	clients := make([]Client, 0)
	err := sqlscan.Select(ctx, store.rdb, &clients, query, group)
	return clients, err
}

// AddMessage stores the message of client, replacing what it sent
// before under the same id.
func (store *GroupSQLStore) AddMessage(
	ctx context.Context,
	group, messageID, client string,
	message map[string]string,
) error {
	if message == nil {
		message = map[string]string{}
	}
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("err marshaling message %s: %w", messageID, err)
	}
	query := `insert into messages (
		group_name,
		message_id,
		client_name,
		message
	)
	values ($1, $2, $3, $4)
	on conflict (group_name, message_id, client_name) do update set message = excluded.message`
	_, err = store.rwdb.ExecContext(ctx, query, group, messageID, client, string(b))
	return err
}

type messageRow struct {
	GroupName  string
	MessageID  string
	ClientName string
	Message    string
	SentOn     time.Time
}

func (store *GroupSQLStore) ListMessages(ctx context.Context, group, messageID string) ([]Message, error) {
	query := `select * from messages
	where group_name = $1 and message_id = $2
	order by client_name`
	var rows []messageRow
	if err := sqlscan.Select(ctx, store.rdb, &rows, query, group, messageID); err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		m := Message{
			GroupName:  r.GroupName,
			MessageID:  r.MessageID,
			ClientName: r.ClientName,
			SentOn:     r.SentOn,
		}
		if err := json.Unmarshal([]byte(r.Message), &m.Message); err != nil {
			return nil, fmt.Errorf("err reading message %s of %s: %w", messageID, r.ClientName, err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (store *GroupSQLStore) AddSync(ctx context.Context, group, messageID, client string) error {
	query := `insert into syncs (
		group_name,
		message_id,
		client_name
	)
	values ($1, $2, $3)
	on conflict (group_name, message_id, client_name) do nothing`
	_, err := store.rwdb.ExecContext(ctx, query, group, messageID, client)
	return err
}

func (store *GroupSQLStore) CountSyncs(ctx context.Context, group, messageID string) (int64, error) {
	query := "select count(*) from syncs where group_name = $1 and message_id = $2"
	var count int64
	err := sqlscan.Get(ctx, store.rdb, &count, query, group, messageID)
	return count, err
}
