// Package debugdump renders a running node's internal state to a
// terminal: registered metrics, connected sessions, and per-table DHT
// routing/content-store summaries. It is cmd/overlayd's "dump stats"
// surface (spec.md §7's CLI note) — a local snapshot of this process,
// not a remote admin/stats protocol, which stays out of scope.
package debugdump

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/metrics"
)

var sectionTitle = color.New(color.FgCyan, color.Bold).SprintFunc()

// Render writes three tables to w: the metrics registry's current values,
// the Connection Manager's connected peers, and one row per joined DHT
// table summarizing its routing-table size and content-store quota.
func Render(w io.Writer, reg *metrics.Registry, mgr *connmgr.Manager, registry *table.Registry) {
	fmt.Fprintln(w, sectionTitle("== metrics =="))
	renderMetrics(w, reg)

	fmt.Fprintln(w, sectionTitle("== sessions =="))
	renderSessions(w, mgr)

	fmt.Fprintln(w, sectionTitle("== dht tables =="))
	renderTables(w, registry)
}

func renderMetrics(w io.Writer, reg *metrics.Registry) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"metric", "value"})
	reg.Each(func(name string, i interface{}) {
		tw.Append([]string{name, formatMetric(i)})
	})
	tw.Render()
}

func formatMetric(i interface{}) string {
	switch m := i.(type) {
	case gometrics.Counter:
		return fmt.Sprintf("%d", m.Count())
	case gometrics.Meter:
		return fmt.Sprintf("%d (rate1=%.2f/s)", m.Count(), m.Rate1())
	case gometrics.Timer:
		return fmt.Sprintf("%d (mean=%.2fms)", m.Count(), m.Mean()/1e6)
	case gometrics.Gauge:
		return fmt.Sprintf("%d", m.Value())
	default:
		return fmt.Sprintf("%v", i)
	}
}

func renderSessions(w io.Writer, mgr *connmgr.Manager) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"peer", "trust preference"})
	for _, peer := range mgr.ConnectedPeers() {
		tw.Append([]string{peer.String(), fmt.Sprintf("%d", mgr.GetTrust(peer))})
	}
	tw.Render()
}

func renderTables(w io.Writer, registry *table.Registry) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"table", "peers", "store used", "store quota"})
	for _, t := range registry.All() {
		used, quota := t.Store.Quota()
		label := hex.EncodeToString(t.ID[:8])
		if table.IsMaster(t.ID) {
			label = color.YellowString("master")
		}
		tw.Append([]string{
			label,
			fmt.Sprintf("%d", len(t.Routing.AllPeers())),
			fmt.Sprintf("%d", used),
			fmt.Sprintf("%d", quota),
		})
	}
	tw.Render()
}
