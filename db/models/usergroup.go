package models

import (
	"context"
	"fmt"

	"go.hackfix.me/lockstep/db/types"
)

// UserGroup is a named group of chat users. Messages claimed for one of its
// channel groups are relayed to all of its members.
type UserGroup struct {
	ID   uint64
	Name string
}

// Save stores the user group data in the database.
func (g *UserGroup) Save(ctx context.Context, d types.Querier, update bool) error {
	if g.Name == "" {
		return types.InvalidInputError{Msg: "must provide a group name"}
	}

	if update {
		if g.ID == 0 {
			return types.InvalidInputError{Msg: "must provide a group ID to update"}
		}

		res, err := d.ExecContext(ctx,
			`UPDATE UserGroups SET GroupName = ? WHERE GroupId = ?`, g.Name, g.ID)
		if err != nil {
			return types.Err("user group", fmt.Sprintf("name '%s'", g.Name), err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed getting affected rows: %w", err)
		}
		if n == 0 {
			return types.NoResultError{ModelName: "user group", ID: fmt.Sprintf("ID %d", g.ID)}
		}
		if n > 1 {
			return types.IntegrityError{Msg: fmt.Sprintf("updated %d user groups", n)}
		}
	} else {
		res, err := d.ExecContext(ctx,
			`INSERT INTO UserGroups (GroupId, GroupName) VALUES (NULL, ?)`, g.Name)
		if err != nil {
			return types.Err("user group", fmt.Sprintf("name '%s'", g.Name), err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed getting last insert ID: %w", err)
		}
		g.ID = uint64(id)
	}

	return nil
}

// Load the user group data from the database. Either the group ID or Name
// must be set for the lookup.
func (g *UserGroup) Load(ctx context.Context, d types.Querier) error {
	filter, filterStr, err := g.filter("ug.")
	if err != nil {
		return err
	}

	groups, err := UserGroups(ctx, d, filter)
	if err != nil {
		return err
	}

	if len(groups) == 0 {
		return types.NoResultError{ModelName: "user group", ID: filterStr}
	}

	// The unique constraints on both GroupId and GroupName should return only
	// a single result.
	if len(groups) > 1 {
		panic(fmt.Sprintf("user groups query returned more than 1 group: %d", len(groups)))
	}
	*g = *groups[0]

	return nil
}

// Delete removes the user group data from the database. Either the group ID
// or Name must be set for the lookup. It returns an error if the group
// doesn't exist. Group members and any attached channel groups are removed
// as well, via the schema's cascading deletes.
func (g *UserGroup) Delete(ctx context.Context, d types.Querier) error {
	filter, filterStr, err := g.filter("")
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`DELETE FROM UserGroups WHERE %s`, filter.Where)

	res, err := d.ExecContext(ctx, stmt, filter.Args...)
	if err != nil {
		return types.Err("user group", filterStr, err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{ModelName: "user group", ID: filterStr}
	}

	return nil
}

// AddMember adds the user to the group. It returns an error if the user is
// already a member.
func (g *UserGroup) AddMember(ctx context.Context, d types.Querier, userID int64) error {
	if g.ID == 0 {
		return types.InvalidInputError{Msg: "user group ID must be set"}
	}

	_, err := d.ExecContext(ctx,
		`INSERT INTO UserGroupMembers (GroupId, UserId) VALUES (?, ?)`, g.ID, userID)
	if err != nil {
		return types.Err("group member", fmt.Sprintf("user ID %d", userID), err)
	}

	return nil
}

// RemoveMember removes the user from the group. It returns an error if the
// user is not a member.
func (g *UserGroup) RemoveMember(ctx context.Context, d types.Querier, userID int64) error {
	if g.ID == 0 {
		return types.InvalidInputError{Msg: "user group ID must be set"}
	}

	res, err := d.ExecContext(ctx,
		`DELETE FROM UserGroupMembers WHERE GroupId = ? AND UserId = ?`, g.ID, userID)
	if err != nil {
		return types.Err("group member", fmt.Sprintf("user ID %d", userID), err)
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	} else if n == 0 {
		return types.NoResultError{
			ModelName: "group member", ID: fmt.Sprintf("user ID %d", userID),
		}
	}

	return nil
}

// Members returns the IDs of all users in the group.
func (g *UserGroup) Members(ctx context.Context, d types.Querier) (ids []int64, rerr error) {
	if g.ID == 0 {
		return nil, types.InvalidInputError{Msg: "user group ID must be set"}
	}

	rows, err := d.QueryContext(ctx,
		`SELECT UserId FROM UserGroupMembers WHERE GroupId = ? ORDER BY UserId ASC`, g.ID)
	if err != nil {
		return nil, types.LoadError{ModelName: "group members", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing group members rows: %w", err)
		}
	}()

	ids = make([]int64, 0)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, types.ScanError{ModelName: "group member", Err: err}
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over group members rows: %w", err)
	}

	return ids, nil
}

// MemberCount returns the number of users in the group.
func (g *UserGroup) MemberCount(ctx context.Context, d types.Querier) (int, error) {
	if g.ID == 0 {
		return 0, types.InvalidInputError{Msg: "user group ID must be set"}
	}

	var count int
	err := d.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM UserGroupMembers WHERE GroupId = ?`, g.ID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed counting group members: %w", err)
	}

	return count, nil
}

func (g *UserGroup) filter(prefix string) (*types.Filter, string, error) {
	switch {
	case g.ID != 0:
		return &types.Filter{
			Where: fmt.Sprintf("%sGroupId = ?", prefix), Args: []any{g.ID},
		}, fmt.Sprintf("ID %d", g.ID), nil
	case g.Name != "":
		return &types.Filter{
			Where: fmt.Sprintf("%sGroupName = ?", prefix), Args: []any{g.Name},
		}, fmt.Sprintf("name '%s'", g.Name), nil
	}

	return nil, "", types.InvalidInputError{Msg: "either group ID or Name must be set"}
}

// UserGroups returns one or more user groups from the database. An optional
// filter can be passed to limit the results.
func UserGroups(ctx context.Context, d types.Querier, filter *types.Filter) (
	groups []*UserGroup, rerr error,
) {
	query := `SELECT ug.GroupId, ug.GroupName
		FROM UserGroups ug %s
		ORDER BY ug.GroupName ASC`

	where := "1=1"
	args := []any{}
	if filter != nil {
		where = filter.Where
		args = filter.Args
	}

	query = fmt.Sprintf(query, fmt.Sprintf("WHERE %s", where))

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.LoadError{ModelName: "user groups", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil {
			rerr = fmt.Errorf("failed closing user groups rows: %w", err)
		}
	}()

	groups = make([]*UserGroup, 0)
	for rows.Next() {
		var g UserGroup
		err = rows.Scan(&g.ID, &g.Name)
		if err != nil {
			return nil, types.ScanError{ModelName: "user group", Err: err}
		}
		groups = append(groups, &g)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over user groups rows: %w", err)
	}

	return groups, nil
}
