package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SnapshotCmd struct {
	Capture SnapshotCaptureCmd `cmd:"" default:"1" help:"Record the current sitewide totals"`
	List    SnapshotListCmd    `cmd:"" help:"List recent snapshots"`
}

type SnapshotCaptureCmd struct{}

func (c *SnapshotCaptureCmd) Run(ctx *cliCtx) error {
	a, err := newApp(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.svc.CaptureSnapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot %s: %d published pledges, %d confirmed contributors, %d hours per week\n",
		snap.ID, snap.PublishedPledges, snap.ConfirmedContributors, snap.TotalHours)
	return nil
}

type SnapshotListCmd struct {
	Limit int `help:"Number of snapshots to show" default:"12"`
}

func (c *SnapshotListCmd) Run(ctx *cliCtx) error {
	a, err := newApp(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	snaps, err := a.svc.Snapshots(ctx, c.Limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAKEN\tPLEDGES\tCONTRIBUTORS\tHOURS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.TakenAt.Format(time.RFC3339), s.PublishedPledges, s.ConfirmedContributors, s.TotalHours)
	}
	return w.Flush()
}
