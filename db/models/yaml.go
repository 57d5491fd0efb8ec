package models

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"go.hackfix.me/lockstep/db/types"
)

// GroupExport is the YAML representation of a user group, its members, and
// its attached channel groups.
type GroupExport struct {
	Name          string                `yaml:"name"`
	Members       []int64               `yaml:"members,omitempty"`
	ChannelGroups []*ChannelGroupExport `yaml:"channel_groups,omitempty"`
}

// ChannelGroupExport is the YAML representation of a channel group.
type ChannelGroupExport struct {
	ID       string  `yaml:"id"`
	Emote    string  `yaml:"emote"`
	Channels []int64 `yaml:"channels,omitempty"`
}

// ExportGroups serializes all user groups to YAML, or only those matching
// the filter.
func ExportGroups(ctx context.Context, d types.Querier, filter *types.Filter) ([]byte, error) {
	groups, err := UserGroups(ctx, d, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*GroupExport, 0, len(groups))
	for _, g := range groups {
		exp := &GroupExport{Name: g.Name}
		if exp.Members, err = g.Members(ctx, d); err != nil {
			return nil, err
		}

		cgroups, err := ChannelGroups(ctx, d,
			&types.Filter{Where: "cg.UserGroupId = ?", Args: []any{g.ID}})
		if err != nil {
			return nil, err
		}
		for _, cg := range cgroups {
			cgExp := &ChannelGroupExport{ID: cg.ID, Emote: cg.Emote}
			if cgExp.Channels, err = cg.Channels(ctx, d); err != nil {
				return nil, err
			}
			exp.ChannelGroups = append(exp.ChannelGroups, cgExp)
		}

		out = append(out, exp)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed marshalling groups: %w", err)
	}

	return data, nil
}

// ImportGroups recreates user groups from YAML data produced by
// ExportGroups. Existing groups with the same name are replaced, along with
// their members and channel groups.
func ImportGroups(ctx context.Context, d types.Querier, data []byte) ([]*UserGroup, error) {
	var imports []*GroupExport
	if err := yaml.Unmarshal(data, &imports); err != nil {
		return nil, fmt.Errorf("failed unmarshalling groups: %w", err)
	}

	groups := make([]*UserGroup, 0, len(imports))
	for _, imp := range imports {
		if imp.Name == "" {
			return nil, types.InvalidInputError{Msg: "group entry without a name"}
		}

		existing := &UserGroup{Name: imp.Name}
		err := existing.Delete(ctx, d)
		var noResErr types.NoResultError
		if err != nil && !errors.As(err, &noResErr) {
			return nil, err
		}

		g := &UserGroup{Name: imp.Name}
		if err := g.Save(ctx, d, false); err != nil {
			return nil, err
		}
		for _, userID := range imp.Members {
			if err := g.AddMember(ctx, d, userID); err != nil {
				return nil, err
			}
		}

		for _, cgImp := range imp.ChannelGroups {
			cg := &ChannelGroup{ID: cgImp.ID, Emote: cgImp.Emote, UserGroupID: g.ID}
			if err := cg.Save(ctx, d, false); err != nil {
				return nil, err
			}
			for _, channelID := range cgImp.Channels {
				if err := cg.AddChannel(ctx, d, channelID); err != nil {
					return nil, err
				}
			}
		}

		groups = append(groups, g)
	}

	return groups, nil
}
