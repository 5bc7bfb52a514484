// keelfs-cli operates on filesystem images from the host side: formatting,
// inspection, and moving file contents in and out of volumes.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/fs"
	"github.com/keelfs/keelfs/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keelfs-cli",
		Short:         "Operate on keelfs filesystem images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("image", "", "path to the filesystem image")
	root.PersistentFlags().Uint32("block-size", 4096, "device block size in bytes")
	root.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	viper.SetEnvPrefix("keelfs")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlag("image", root.PersistentFlags().Lookup("image"))
	viper.BindPFlag("block-size", root.PersistentFlags().Lookup("block-size"))
	viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(newMkfsCmd(), newInfoCmd(), newMkvolCmd(), newLsCmd(),
		newPutCmd(), newGetCmd(), newSyncCmd())
	return root
}

func newLogger() *zap.Logger {
	if !viper.GetBool("verbose") {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func imagePath() (string, error) {
	path := viper.GetString("image")
	if path == "" {
		return "", fmt.Errorf("--image is required (or KEELFS_IMAGE)")
	}
	return path, nil
}

func openImage(readOnly bool) (*fs.Filesystem, error) {
	path, err := imagePath()
	if err != nil {
		return nil, err
	}
	dev, err := device.OpenFileDevice(path, device.FileDeviceConfig{
		BlockSize: viper.GetUint32("block-size"),
		ReadOnly:  readOnly,
		Logger:    newLogger(),
	})
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(dev, fs.DefaultConfig(), newLogger(), nil)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return f, nil
}

func newMkfsCmd() *cobra.Command {
	var blocks uint64
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Create and format a new filesystem image",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := imagePath()
			if err != nil {
				return err
			}
			dev, err := device.CreateFileDevice(path, blocks, device.FileDeviceConfig{
				BlockSize: viper.GetUint32("block-size"),
				Logger:    newLogger(),
			})
			if err != nil {
				return err
			}
			f, err := fs.Mkfs(dev, fs.DefaultConfig(), newLogger(), nil)
			if err != nil {
				dev.Close()
				return err
			}
			fmt.Printf("Formatted %s: %d blocks of %d bytes, guid %s\n",
				path, blocks, viper.GetUint32("block-size"), f.GUID())
			return f.Close()
		},
	}
	cmd.Flags().Uint64Var(&blocks, "blocks", 1<<18, "image size in blocks")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show filesystem identity and volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openImage(true)
			if err != nil {
				return err
			}
			defer f.Close()
			fmt.Printf("guid:       %s\n", f.GUID())
			fmt.Printf("generation: %d\n", f.Generation())
			fmt.Printf("volumes:    %d\n", len(f.Volumes()))
			for _, v := range f.Volumes() {
				fmt.Printf("  %s (store %d)\n", v.Name(), v.Store().StoreID())
			}
			return nil
		},
	}
}

func newMkvolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkvol <name>",
		Short: "Create a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openImage(false)
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := f.NewVolume(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created volume %s (store %d)\n", v.Name(), v.Store().StoreID())
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <volume>",
		Short: "List a volume's root directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openImage(true)
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := f.Volume(args[0])
			if err != nil {
				return err
			}
			entries, err := v.RootDirectory().Entries()
			if err != nil {
				return err
			}
			for _, ent := range entries {
				fmt.Printf("%-10v %8d  %s\n", ent.Kind, ent.ObjectID, ent.Name)
			}
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <volume> <name> <host-file>",
		Short: "Copy a host file into a volume",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			f, err := openImage(false)
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := f.OpenOrCreateVolume(args[0])
			if err != nil {
				return err
			}
			txn := store.NewTransaction()
			h, err := v.RootDirectory().CreateChildFile(txn, args[1])
			if err != nil {
				txn.Drop()
				return err
			}
			if err := h.WriteAt(txn, 0, data); err != nil {
				txn.Drop()
				return err
			}
			if err := txn.Commit(); err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes to %s/%s\n", len(data), args[0], args[1])
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <volume> <name> <host-file>",
		Short: "Copy an object out of a volume to a host file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openImage(true)
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := f.Volume(args[0])
			if err != nil {
				return err
			}
			id, _, found, err := v.RootDirectory().Lookup(args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s/%s: %w", args[0], args[1], store.ErrNotFound)
			}
			h, err := v.Store().OpenObject(id)
			if err != nil {
				return err
			}
			data := make([]byte, h.Size())
			if _, err := h.ReadAt(0, data); err != nil {
				return err
			}
			if err := os.WriteFile(args[2], data, 0644); err != nil {
				return err
			}
			fmt.Printf("Read %d bytes from %s/%s\n", len(data), args[0], args[1])
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Checkpoint the image: seal layers and write a new superblock",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openImage(false)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.Sync(fs.SyncOptions{NewSuperBlock: force}); err != nil {
				return err
			}
			fmt.Printf("Synced at generation %d\n", f.Generation())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "write a superblock even when clean")
	return cmd
}
