package models

import (
	"context"
	"fmt"

	"go.hackfix.me/lockstep/db/types"
)

// ChannelGroup maps a claim emote to a user group, and carries the set of
// channels whose messages can be claimed with it.
type ChannelGroup struct {
	ID          string
	Emote       string
	UserGroupID uint64
}

// Save stores the channel group data in the database.
func (cg *ChannelGroup) Save(ctx context.Context, d types.Querier, update bool) error {
	if cg.ID == "" {
		return types.InvalidInputError{Msg: "must provide a channel group ID"}
	}

	if update {
		res, err := d.ExecContext(ctx,
			`UPDATE ChannelGroups SET ChannelGroupEmote = ?, UserGroupId = ?
			WHERE ChannelGroupId = ?`, cg.Emote, cg.UserGroupID, cg.ID)
		if err != nil {
			return types.Err("channel group", fmt.Sprintf("ID '%s'", cg.ID), err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed getting affected rows: %w", err)
		}
		if n == 0 {
			return types.NoResultError{ModelName: "channel group", ID: fmt.Sprintf("ID '%s'", cg.ID)}
		}
		if n > 1 {
			return types.IntegrityError{Msg: fmt.Sprintf("updated %d channel groups", n)}
		}
	} else {
		if cg.Emote == "" {
			return types.InvalidInputError{Msg: "must provide a claim emote"}
		}

		_, err := d.ExecContext(ctx,
			`INSERT INTO ChannelGroups (ChannelGroupId, ChannelGroupEmote, UserGroupId)
			VALUES (?, ?, ?)`, cg.ID, cg.Emote, cg.UserGroupID)
		if err != nil {
			return types.Err("channel group", fmt.Sprintf("ID '%s'", cg.ID), err)
		}
	}

	return nil
}

// Load the channel group data from the database. Either the group ID or
// Emote must be set for the lookup.
func (cg *ChannelGroup) Load(ctx context.Context, d types.Querier) error {
	filter, filterStr, err := cg.filter("cg.")
	if err != nil {
		return err
	}

	groups, err := ChannelGroups(ctx, d, filter)
	if err != nil {
		return err
	}

	if len(groups) == 0 {
		return types.NoResultError{ModelName: "channel group", ID: filterStr}
	}

	// The unique constraints on both ChannelGroupId and ChannelGroupEmote
	// should return only a single result.
	if len(groups) > 1 {
		panic(fmt.Sprintf("channel groups query returned more than 1 group: %d", len(groups)))
	}
	*cg = *groups[0]

	return nil
}

// Delete removes the channel group data from the database. Either the group
// ID or Emote must be set for the lookup. It returns an error if the group
// doesn't exist. Channel memberships and claims made with the group are
// removed as well, via the schema's cascading deletes.
func (cg *ChannelGroup) Delete(ctx context.Context, d types.Querier) error {
	filter, filterStr, err := cg.filter("")
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`DELETE FROM ChannelGroups WHERE %s`, filter.Where)

	res, err := d.ExecContext(ctx, stmt, filter.Args...)
	if err != nil {
		return types.Err("channel group", filterStr, err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{ModelName: "channel group", ID: filterStr}
	}

	return nil
}

// AddChannel adds the channel to the group. It returns an error if the
// channel is already in the group.
func (cg *ChannelGroup) AddChannel(ctx context.Context, d types.Querier, channelID int64) error {
	if cg.ID == "" {
		return types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	_, err := d.ExecContext(ctx,
		`INSERT INTO ChannelGroupMembers (ChannelGroupId, ChannelId) VALUES (?, ?)`,
		cg.ID, channelID)
	if err != nil {
		return types.Err("group channel", fmt.Sprintf("channel ID %d", channelID), err)
	}

	return nil
}

// RemoveChannel removes the channel from the group. It returns an error if
// the channel is not in the group.
func (cg *ChannelGroup) RemoveChannel(ctx context.Context, d types.Querier, channelID int64) error {
	if cg.ID == "" {
		return types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	res, err := d.ExecContext(ctx,
		`DELETE FROM ChannelGroupMembers WHERE ChannelGroupId = ? AND ChannelId = ?`,
		cg.ID, channelID)
	if err != nil {
		return types.Err("group channel", fmt.Sprintf("channel ID %d", channelID), err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{
			ModelName: "group channel", ID: fmt.Sprintf("channel ID %d", channelID),
		}
	}

	return nil
}

// Channels returns the IDs of all channels in the group.
func (cg *ChannelGroup) Channels(ctx context.Context, d types.Querier) (ids []int64, rerr error) {
	if cg.ID == "" {
		return nil, types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	rows, err := d.QueryContext(ctx,
		`SELECT ChannelId FROM ChannelGroupMembers
		WHERE ChannelGroupId = ? ORDER BY ChannelId ASC`, cg.ID)
	if err != nil {
		return nil, types.LoadError{ModelName: "group channels", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing group channels rows: %w", err)
		}
	}()

	ids = make([]int64, 0)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, types.ScanError{ModelName: "group channel", Err: err}
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over group channels rows: %w", err)
	}

	return ids, nil
}

func (cg *ChannelGroup) filter(prefix string) (*types.Filter, string, error) {
	switch {
	case cg.ID != "":
		return &types.Filter{
			Where: fmt.Sprintf("%sChannelGroupId = ?", prefix), Args: []any{cg.ID},
		}, fmt.Sprintf("ID '%s'", cg.ID), nil
	case cg.Emote != "":
		return &types.Filter{
			Where: fmt.Sprintf("%sChannelGroupEmote = ?", prefix), Args: []any{cg.Emote},
		}, fmt.Sprintf("emote '%s'", cg.Emote), nil
	}

	return nil, "", types.InvalidInputError{Msg: "either channel group ID or Emote must be set"}
}

// ChannelGroups returns one or more channel groups from the database. An
// optional filter can be passed to limit the results.
func ChannelGroups(ctx context.Context, d types.Querier, filter *types.Filter) (
	groups []*ChannelGroup, rerr error,
) {
	query := `SELECT cg.ChannelGroupId, cg.ChannelGroupEmote, cg.UserGroupId
		FROM ChannelGroups cg %s
		ORDER BY cg.ChannelGroupId ASC`

	where := "1=1"
	args := []any{}
	if filter != nil {
		where = filter.Where
		args = filter.Args
	}

	query = fmt.Sprintf(query, fmt.Sprintf("WHERE %s", where))

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.LoadError{ModelName: "channel groups", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing channel groups rows: %w", err)
		}
	}()

	groups = make([]*ChannelGroup, 0)
	for rows.Next() {
		var cg ChannelGroup
		err = rows.Scan(&cg.ID, &cg.Emote, &cg.UserGroupID)
		if err != nil {
			return nil, types.ScanError{ModelName: "channel group", Err: err}
		}
		groups = append(groups, &cg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over channel groups rows: %w", err)
	}

	return groups, nil
}
