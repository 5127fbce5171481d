package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/gen"
	"github.com/petal-labs/petalgp/interp"
	"github.com/petal-labs/petalgp/render"
)

// NewGenerateCmd creates the "generate" subcommand.
func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate random expression trees",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}

	cmd.Flags().IntP("depth", "d", 3, "Maximum tree depth (0 yields a single terminal)")
	cmd.Flags().IntP("count", "n", 1, "Number of trees to generate")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 = seed from the clock)")
	cmd.Flags().String("format", "sexpr", "Output format: sexpr | json | yaml")
	cmd.Flags().Bool("eval", false, "Evaluate each tree and print its value")
	addCatalogFlag(cmd)

	return cmd
}

// generatedTree is the json/yaml output record for one tree.
type generatedTree struct {
	Tree  render.Readable `json:"tree" yaml:"tree"`
	Depth int             `json:"depth" yaml:"depth"`
	Size  int             `json:"size" yaml:"size"`
	Value any             `json:"value,omitempty" yaml:"value,omitempty"`
	Error string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	depth, _ := cmd.Flags().GetInt("depth")
	count, _ := cmd.Flags().GetInt("count")
	seed, _ := cmd.Flags().GetUint64("seed")
	format, _ := cmd.Flags().GetString("format")
	eval, _ := cmd.Flags().GetBool("eval")

	if err := checkFormat(format, "sexpr", "json", "yaml"); err != nil {
		return err
	}
	if depth < 0 {
		return exitError(exitInputParse, "--depth must be >= 0, got %d", depth)
	}
	if count < 1 {
		return exitError(exitInputParse, "--count must be >= 1, got %d", count)
	}

	cat, err := resolveCatalog(cmd)
	if err != nil {
		return err
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano()) // #nosec G115 -- any bit pattern is a valid seed
	}
	slog.Debug("generating", "depth", depth, "count", count, "seed", seed)
	g := gen.New(cat, gen.WithSeed(seed))

	out := make([]generatedTree, 0, count)
	for i := 0; i < count; i++ {
		tree, err := g.Generate(depth)
		if err != nil {
			if errors.Is(err, core.ErrEmptyTerminals) || errors.Is(err, core.ErrEmptyFunctions) {
				return exitError(exitValidation, "generating tree: %v", err)
			}
			return exitError(exitRuntime, "generating tree: %v", err)
		}
		rec := generatedTree{
			Tree:  render.ToReadable(tree),
			Depth: tree.Depth(),
			Size:  tree.Size(),
		}
		if eval {
			v, err := interp.Run(tree)
			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.Value = v
			}
		}
		out = append(out, rec)
	}

	w := cmd.OutOrStdout()
	switch format {
	case "json":
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(out)
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		fmt.Fprint(w, string(data))
	default:
		for _, rec := range out {
			switch {
			case rec.Error != "":
				fmt.Fprintf(w, "%s => error: %s\n", rec.Tree, rec.Error)
			case eval:
				fmt.Fprintf(w, "%s => %v\n", rec.Tree, rec.Value)
			default:
				fmt.Fprintln(w, rec.Tree)
			}
		}
	}
	return nil
}
