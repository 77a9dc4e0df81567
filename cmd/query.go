package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/osm"
	"github.com/spf13/cobra"

	"github.com/wegman-software/osmtiledb/internal/config"
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

var (
	tilesModified bool
	tilesBBox     string
	tileKeysOnly  bool
)

var getCmd = &cobra.Command{
	Use:   "get <type/id>...",
	Short: "Print objects by key",
	Long: `Print the current version of objects as JSON, with the tiles each one
lies in. Keys are written node/1, way/2, relation/3 or n1, w2, r3.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runGet,
}

var tileCmd = &cobra.Command{
	Use:   "tile <z/x/y>...",
	Short: "List the objects in tiles",
	Long: `List every object lying in the given tiles. Tiles must be at the zoom
the database is partitioned at.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runTile,
}

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "List the non-empty tiles",
	Run:   runTiles,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the layer chain",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(tileCmd)
	rootCmd.AddCommand(tilesCmd)
	rootCmd.AddCommand(statusCmd)

	tileCmd.Flags().BoolVar(&tileKeysOnly, "keys", false, "Print keys and versions instead of JSON")
	tilesCmd.Flags().BoolVar(&tilesModified, "modified", false, "Only tiles the latest layer changed")
	tilesCmd.Flags().StringVarP(&tilesBBox, "bbox", "b", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")
}

type entryJSON struct {
	Key    string     `json:"key"`
	Tiles  []string   `json:"tiles"`
	Object osm.Object `json:"object"`
}

func toJSON(e layer.Entry) entryJSON {
	out := entryJSON{Key: e.Key.String(), Object: e.Object, Tiles: make([]string, len(e.Tiles))}
	for i, t := range e.Tiles {
		out.Tiles[i] = t.String()
	}
	return out
}

func runGet(cmd *cobra.Command, args []string) {
	keys := make([]osmgeo.Key, len(args))
	for i, arg := range args {
		k, err := osmgeo.ParseKey(arg)
		if err != nil {
			exitWithError("invalid key", err)
		}
		keys[i] = k
	}

	db := openDB()
	defer db.Close()
	latest := db.Latest()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	missing := 0
	for _, k := range keys {
		e, ok, err := latest.Object(k)
		if err != nil {
			exitWithError("read failed", err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s not found\n", k)
			missing++
			continue
		}
		if err := enc.Encode(toJSON(e)); err != nil {
			exitWithError("failed to write output", err)
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}

func runTile(cmd *cobra.Command, args []string) {
	requested := make([]tiles.Tile, len(args))
	for i, arg := range args {
		t, err := tiles.Parse(arg)
		if err != nil {
			exitWithError("invalid tile", err)
		}
		requested[i] = t
	}

	db := openDB()
	defer db.Close()
	latest := db.Latest()
	for _, t := range requested {
		if t.Zoom != latest.Zoom() {
			exitWithError(fmt.Sprintf("tile %s is not at zoom %d", t, latest.Zoom()), nil)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for e, err := range latest.GetTiles(requested, nil) {
		if err != nil {
			exitWithError("read failed", err)
		}
		if tileKeysOnly {
			fmt.Printf("%s v%d\n", e.Key, e.Object.ObjectID().Version())
			continue
		}
		if err := enc.Encode(toJSON(e)); err != nil {
			exitWithError("failed to write output", err)
		}
	}
}

func runTiles(cmd *cobra.Command, args []string) {
	bbox, err := config.ParseBBox(tilesBBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}

	db := openDB()
	defer db.Close()
	latest := db.Latest()

	var inBox map[tiles.Tile]bool
	if bbox.IsSet {
		inBox = map[tiles.Tile]bool{}
		for t := range tiles.InBound(bbox.Bound(), latest.Zoom()) {
			inBox[t] = true
		}
	}

	for t, err := range latest.Tiles(tilesModified) {
		if err != nil {
			exitWithError("read failed", err)
		}
		if inBox != nil && !inBox[t] {
			continue
		}
		fmt.Println(t)
	}
}

func runStatus(cmd *cobra.Command, args []string) {
	db := openDB()
	defer db.Close()

	chain, err := db.Chain()
	if err != nil {
		exitWithError("failed to read layer chain", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Database:\t%s\n", db.Path())
	fmt.Fprintf(w, "Zoom:\t%d\n", chain[0].Zoom())
	fmt.Fprintf(w, "Depth:\t%d\n", len(chain)-1)
	fmt.Fprintf(w, "Latest:\t%s (%s)\n\n", chain[0].Meta().EndTimestamp.Format(time.RFC3339),
		humanize.Time(chain[0].Meta().EndTimestamp))

	fmt.Fprintln(w, "LAYER\tEND\tOBJECTS\tDELETED\tTILES\tSIZE")
	for _, l := range chain {
		m := l.Meta()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.DirName(),
			m.EndTimestamp.Format(time.RFC3339),
			humanize.Comma(m.Stats.Objects),
			humanize.Comma(m.Stats.Deleted),
			humanize.Comma(m.Stats.Tiles),
			humanize.IBytes(uint64(m.Stats.Bytes)))
	}
	w.Flush()
}
