package models

import (
	"context"
	"fmt"

	"go.hackfix.me/lockstep/db/types"
)

// ClaimMessage records that the channel group claimed the message, which
// relays it to the members of the group's user group.
func (cg *ChannelGroup) ClaimMessage(ctx context.Context, d types.Querier, messageID int64) error {
	if cg.ID == "" {
		return types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	_, err := d.ExecContext(ctx,
		`INSERT INTO GroupClaims (MessageId, GroupId) VALUES (?, ?)`, messageID, cg.ID)
	if err != nil {
		return types.Err("claim", fmt.Sprintf("message ID %d", messageID), err)
	}

	return nil
}

// UnclaimMessage removes the channel group's claim on the message. It
// returns an error if the message wasn't claimed.
func (cg *ChannelGroup) UnclaimMessage(ctx context.Context, d types.Querier, messageID int64) error {
	if cg.ID == "" {
		return types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	res, err := d.ExecContext(ctx,
		`DELETE FROM GroupClaims WHERE MessageId = ? AND GroupId = ?`, messageID, cg.ID)
	if err != nil {
		return types.Err("claim", fmt.Sprintf("message ID %d", messageID), err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{ModelName: "claim", ID: fmt.Sprintf("message ID %d", messageID)}
	}

	return nil
}

// ClaimedMessages returns the IDs of all messages claimed by the channel
// group.
func (cg *ChannelGroup) ClaimedMessages(ctx context.Context, d types.Querier) (
	ids []int64, rerr error,
) {
	if cg.ID == "" {
		return nil, types.InvalidInputError{Msg: "channel group ID must be set"}
	}

	rows, err := d.QueryContext(ctx,
		`SELECT MessageId FROM GroupClaims WHERE GroupId = ? ORDER BY MessageId ASC`, cg.ID)
	if err != nil {
		return nil, types.LoadError{ModelName: "claims", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing claims rows: %w", err)
		}
	}()

	ids = make([]int64, 0)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, types.ScanError{ModelName: "claim", Err: err}
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over claims rows: %w", err)
	}

	return ids, nil
}

// ClaimMessageForAll records that the message was claimed for every group at
// once. Announcements are relayed even to users who opted out of regular
// group messages.
func ClaimMessageForAll(
	ctx context.Context, d types.Querier, messageID int64, announcement bool,
) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO GroupClaimsAll (MessageId, IsAnnouncement) VALUES (?, ?)`,
		messageID, announcement)
	if err != nil {
		return types.Err("all-group claim", fmt.Sprintf("message ID %d", messageID), err)
	}

	return nil
}

// UnclaimMessageForAll removes the all-group claim on the message. It
// returns an error if the message wasn't claimed.
func UnclaimMessageForAll(ctx context.Context, d types.Querier, messageID int64) error {
	res, err := d.ExecContext(ctx,
		`DELETE FROM GroupClaimsAll WHERE MessageId = ?`, messageID)
	if err != nil {
		return types.Err("all-group claim", fmt.Sprintf("message ID %d", messageID), err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{
			ModelName: "all-group claim", ID: fmt.Sprintf("message ID %d", messageID),
		}
	}

	return nil
}

// MessagesClaimedForAll returns the IDs of all messages claimed for every
// group, optionally limited to announcements.
func MessagesClaimedForAll(ctx context.Context, d types.Querier, announcementsOnly bool) (
	ids []int64, rerr error,
) {
	query := `SELECT MessageId FROM GroupClaimsAll %s ORDER BY MessageId ASC`
	where := ""
	if announcementsOnly {
		where = "WHERE IsAnnouncement"
	}

	rows, err := d.QueryContext(ctx, fmt.Sprintf(query, where))
	if err != nil {
		return nil, types.LoadError{ModelName: "all-group claims", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing all-group claims rows: %w", err)
		}
	}()

	ids = make([]int64, 0)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, types.ScanError{ModelName: "all-group claim", Err: err}
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over all-group claims rows: %w", err)
	}

	return ids, nil
}
