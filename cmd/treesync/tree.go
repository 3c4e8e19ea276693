package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/filetree"
	"github.com/fruitsalade/treesync/internal/logging"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
)

func newTreeCmd(v *viper.Viper) *cobra.Command {
	var (
		asJSON bool
		at     string
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the workspace tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.Expand(ctx, a.svc.Root(), cfg.ExpandDepth); err != nil {
				return err
			}
			snap := a.svc.Snapshot()
			logging.Info("Tree resolved", zap.Int("nodes", tree.CountNodes(snap)))
			if at != "" {
				if snap, err = subtree(a.svc, snap, at); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printTree(out, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tree as JSON")
	cmd.Flags().StringVar(&at, "path", "", "Print only the subtree at this tree path or URI")
	return cmd
}

// subtree selects the loaded node addressed by key, a canonical tree path or a URI.
func subtree(svc *filetree.Service, snap *models.FileNode, key string) (*models.FileNode, error) {
	k, err := filetree.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid --path %q: %w", key, err)
	}
	node, ok := svc.GetNodeByPathOrUri(k)
	if !ok {
		return nil, fmt.Errorf("%s is not in the loaded tree", k)
	}
	found := tree.FindByPath(snap, node.Path())
	if found == nil {
		return nil, fmt.Errorf("%s is not in the loaded tree", k)
	}
	return found, nil
}

func printTree(w io.Writer, root *models.FileNode) {
	tree.Walk(root, func(n *models.FileNode, depth int) {
		name := n.Name
		if n.IsDir {
			name += "/"
		}
		if n.IsSymlink {
			name += " @"
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name)
	})
}
