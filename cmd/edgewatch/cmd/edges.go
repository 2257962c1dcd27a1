package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/edgewatch/internal/database"
	"github.com/dbsmedya/edgewatch/internal/entity"
	"github.com/dbsmedya/edgewatch/internal/types"
)

var (
	edgesAsOf    string
	edgesInbound bool
	edgesAll     bool
	edgesLikes   bool
)

var edgesCmd = &cobra.Command{
	Use:   "edges <external-id|@handle>",
	Short: "Show the edges of an account at a point in time",
	Long: `Edges prints the latest version of every edge of an account as of a point
in time (now by default). Outgoing edges are the accounts it follows;
--inbound shows the accounts following it instead. With --likes the posts the
account liked are shown, and --likes --inbound takes a post id and shows who
liked it.

An argument starting with @ is always a handle. Anything else is tried as an
external id first, then as a handle.

--as-of accepts an RFC3339 timestamp, a date (YYYY-MM-DD, read as the end of
that day in UTC) or a duration meaning "that long ago" (for example 72h).

Examples:
  edgewatch edges @alice
  edgewatch edges 783214 --as-of 2026-01-01 --all
  edgewatch edges @alice --inbound --as-of 168h
  edgewatch edges @alice --likes`,
	Args: cobra.ExactArgs(1),
	RunE: runEdges,
}

func init() {
	edgesCmd.Flags().StringVar(&edgesAsOf, "as-of", "",
		"Point in time to read (RFC3339, YYYY-MM-DD for the end of that day UTC, or a duration ago)")
	edgesCmd.Flags().BoolVar(&edgesInbound, "inbound", false,
		"Show incoming edges instead of outgoing")
	edgesCmd.Flags().BoolVar(&edgesAll, "all", false,
		"Include disconnected edges")
	edgesCmd.Flags().BoolVar(&edgesLikes, "likes", false,
		"Show liked posts instead of followed accounts")
	rootCmd.AddCommand(edgesCmd)
}

func runEdges(cmd *cobra.Command, args []string) error {
	asOf, err := parseAsOf(edgesAsOf, time.Now())
	if err != nil {
		return err
	}

	ctx := database.SetupSignalHandler()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	nodeID := strings.TrimSpace(args[0])
	if !edgesLikes || !edgesInbound {
		entities, err := a.entities()
		if err != nil {
			return err
		}
		if nodeID, err = resolveNode(ctx, entities, nodeID); err != nil {
			return err
		}
	}

	edges, err := a.edges()
	if edgesLikes {
		edges, err = a.likes()
	}
	if err != nil {
		return err
	}

	var peers []types.PeerStatus
	if edgesInbound {
		peers, err = edges.CurrentInbound(ctx, nodeID, asOf)
	} else {
		peers, err = edges.CurrentEdges(ctx, nodeID, asOf)
	}
	if err != nil {
		return err
	}

	outbound, err := edges.CountConnected(ctx, nodeID, asOf)
	if err != nil {
		return err
	}
	inbound, err := edges.CountFollowers(ctx, nodeID, asOf)
	if err != nil {
		return err
	}

	labels := followLabels
	if edgesLikes {
		labels = likeLabels
	}
	renderEdges(cmd.OutOrStdout(), nodeID, peers, labels.direction(edgesInbound), edgesAll)
	if edgesLikes && edgesInbound {
		cmd.Printf("Totals: liked by %d\n", inbound)
	} else if edgesLikes {
		cmd.Printf("Totals: %d liked posts\n", outbound)
	} else {
		cmd.Printf("Totals: %d following, %d followers\n", outbound, inbound)
	}
	return nil
}

// nodeResolver looks entities up by id and handle.
type nodeResolver interface {
	Resolve(ctx context.Context, externalID, handle string) (*types.ExternalEntity, error)
}

// resolveNode maps an argument to an external id. "@name" only matches
// handles; anything else matches an id first, then a handle. Unknown values
// are returned as given.
func resolveNode(ctx context.Context, entities nodeResolver, arg string) (string, error) {
	id, handle := arg, types.NormalizeHandle(arg)
	if strings.HasPrefix(arg, "@") {
		id = ""
	}

	ent, err := entities.Resolve(ctx, id, handle)
	if errors.Is(err, entity.ErrEntityNotFound) {
		return handle, nil
	}
	if err != nil {
		return "", err
	}
	return ent.ExternalID, nil
}

type edgeLabels struct {
	outbound, inbound string
}

func (l edgeLabels) direction(inbound bool) string {
	if inbound {
		return l.inbound
	}
	return l.outbound
}

var (
	followLabels = edgeLabels{outbound: "following", inbound: "followers"}
	likeLabels   = edgeLabels{outbound: "liked posts", inbound: "liked by"}
)

// parseAsOf returns nil for an empty value, meaning now.
func parseAsOf(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		// The whole day is included.
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		return &t, nil
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		t := now.Add(-d)
		return &t, nil
	}

	return nil, fmt.Errorf("invalid --as-of %q: expected RFC3339, YYYY-MM-DD or a duration", value)
}

func renderEdges(w io.Writer, nodeID string, peers []types.PeerStatus, direction string, all bool) {
	t := newTable("PEER", "STATUS", "VERSION", "SINCE")
	connected := 0
	for _, p := range peers {
		if p.Status == types.StatusConnected {
			connected++
		} else if !all {
			continue
		}

		status := styled(string(p.Status), styleOK)
		if p.Status != types.StatusConnected {
			status = styled(string(p.Status), styleDim)
		}
		t.add(
			plain(p.PeerID),
			status,
			plain(strconv.FormatInt(p.Version, 10)),
			plain(p.CreatedAt.UTC().Format(time.RFC3339)),
		)
	}

	if len(t.rows) > 0 {
		t.render(w)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%s: %d %s (%d peers with history)\n", nodeID, connected, direction, len(peers))
}
