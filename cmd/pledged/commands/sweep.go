package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type SweepCmd struct {
	Max int `help:"Override the configured maximum number of pledges to recompute"`
}

func (c *SweepCmd) Run(ctx *cliCtx) error {
	if c.Max > 0 {
		ctx.Config.SweepMaxPledges = c.Max
	}
	a, err := newApp(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.svc.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recomputed %d pledges (%d failed, %d deferred) in %s\n",
		res.Processed, res.Failed, res.Deferred, res.Finished.Sub(res.Started))
	return nil
}
