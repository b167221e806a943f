package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shmap/shmap"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new map, failing if it already exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustCreate)
		if err != nil {
			return err
		}
		defer m.Close()
		return printJSON(m.Status())
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to an existing map, failing if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustAttach)
		if err != nil {
			return err
		}
		defer m.Close()
		return printJSON(m.Status())
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.CreateOrAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		value, err := m.Get(args[0])
		if errors.Is(err, shmap.ErrMissing) {
			fmt.Println("<missing>")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key to a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.CreateOrAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		return m.Set(args[0], args[1])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.CreateOrAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		return m.Delete(args[0])
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Force the full-dump protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		return m.Dump()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a diagnostic snapshot of the map",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.CreateOrAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.ApplyUpdate(); err != nil {
			return err
		}
		return printJSON(m.Status())
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Remove the map's segments from the OS namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		return m.Unlink()
	},
}

var listFlags struct {
	pattern string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys, optionally filtered by a glob pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		keys, err := m.Keys(listFlags.pattern)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listFlags.pattern, "pattern", "", "Glob pattern to filter keys")
}
