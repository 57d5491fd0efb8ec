package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/mandelsoft/vfs/pkg/vfs"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
	"go.hackfix.me/lockstep/db/models"
	"go.hackfix.me/lockstep/db/types"
)

// The Group command manages user groups in the migrated schema.
type Group struct {
	Add struct {
		Name string `arg:"" help:"The unique name of the group."`
	} `kong:"cmd,help='Add a new user group.'"`
	Rm struct {
		Name string `arg:"" help:"The unique name of the group."`
	} `kong:"cmd,help='Remove a user group, its members and its channel groups.'"`
	Ls      struct{} `kong:"cmd,help='List user groups.'"`
	Members struct {
		Name string `arg:"" help:"The unique name of the group."`
	} `kong:"cmd,help='List the user IDs of the group members.'"`
	Export struct {
		Output string `short:"o" type:"path" help:"Write the YAML export to this file instead of stdout."`
	} `kong:"cmd,help='Export all groups, members and channel groups as YAML.'"`
	Import struct {
		File string `arg:"" type:"path" help:"Path to a YAML file produced by export."`
	} `kong:"cmd,help='Import groups from YAML, replacing existing groups with the same names.'"`
}

// Run the group command.
func (c *Group) Run(kctx *kong.Context, appCtx *actx.Context) error {
	dbCtx := appCtx.DB.NewContext()

	cmd := strings.Fields(kctx.Command())
	switch cmd[1] {
	case "add":
		group := &models.UserGroup{Name: c.Add.Name}
		if err := group.Save(dbCtx, appCtx.DB, false); err != nil {
			return aerrors.NewWithCause(
				fmt.Sprintf("failed adding group '%s'", c.Add.Name), err)
		}
	case "rm":
		group := &models.UserGroup{Name: c.Rm.Name}
		if err := group.Delete(dbCtx, appCtx.DB); err != nil {
			return err
		}
	case "ls":
		return c.list(appCtx)
	case "members":
		group := &models.UserGroup{Name: c.Members.Name}
		if err := group.Load(dbCtx, appCtx.DB); err != nil {
			return err
		}
		members, err := group.Members(dbCtx, appCtx.DB)
		if err != nil {
			return aerrors.NewWithCause(
				fmt.Sprintf("failed listing members of group '%s'", c.Members.Name), err)
		}
		for _, id := range members {
			fmt.Fprintln(appCtx.Stdout, id)
		}
	case "export":
		data, err := models.ExportGroups(dbCtx, appCtx.DB, nil)
		if err != nil {
			return aerrors.NewWithCause("failed exporting groups", err)
		}
		if c.Export.Output == "" {
			fmt.Fprint(appCtx.Stdout, string(data))
			return nil
		}
		if err = vfs.WriteFile(appCtx.FS, c.Export.Output, data, 0o644); err != nil {
			return fmt.Errorf("failed writing groups export: %w", err)
		}
	case "import":
		data, err := vfs.ReadFile(appCtx.FS, c.Import.File)
		if err != nil {
			return fmt.Errorf("failed reading groups import: %w", err)
		}
		groups, err := models.ImportGroups(dbCtx, appCtx.DB, data)
		if err != nil {
			return aerrors.NewWithCause("failed importing groups", err,
				"file", c.Import.File)
		}
		fmt.Fprintf(appCtx.Stdout, "Imported %d group(s)\n", len(groups))
	}

	return nil
}

func (c *Group) list(appCtx *actx.Context) error {
	dbCtx := appCtx.DB.NewContext()

	groups, err := models.UserGroups(dbCtx, appCtx.DB, nil)
	if err != nil {
		return aerrors.NewWithCause("failed listing groups", err)
	}

	data := make([][]string, len(groups))
	for i, group := range groups {
		members, err := group.MemberCount(dbCtx, appCtx.DB)
		if err != nil {
			return err
		}

		cgroups, err := models.ChannelGroups(dbCtx, appCtx.DB,
			&types.Filter{Where: "cg.UserGroupId = ?", Args: []any{group.ID}})
		if err != nil {
			return err
		}
		cgNames := make([]string, len(cgroups))
		for j, cg := range cgroups {
			cgNames[j] = fmt.Sprintf("%s (%s)", cg.ID, cg.Emote)
		}

		data[i] = []string{
			group.Name, strconv.Itoa(members), strings.Join(cgNames, ", "),
		}
	}

	if len(data) > 0 {
		header := []string{"Name", "Members", "Channel Groups"}
		if err := renderTable(header, data, appCtx.Stdout); err != nil {
			return fmt.Errorf("failed rendering the groups table: %w", err)
		}
	}

	return nil
}
