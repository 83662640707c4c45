package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/urfave/cli/v2"
)

var topologyCmd = &cli.Command{
	Name:  "topology",
	Usage: "Print the current topology",
	Action: func(ctx *cli.Context) error {
		topo, err := brokerClient(ctx).GetTopology(ctx.Context)
		if err != nil {
			return err
		}

		fmt.Printf("epoch %d fingerprint %s\n\n", topo.Epoch, topo.Fingerprint())

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHUNK\tPROXY\tBACKENDS\tREPLICA OF\tSLOTS\tCOUNT")
		for _, c := range topo.Chunks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", c.ID, c.Proxy, strings.Join(c.Backends, ","), c.ReplicaOf, c.Slots, c.SlotCount())
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(topo.Migrations) > 0 {
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tRANGE\tSOURCE\tDESTINATION\tSTATE\tEPOCH\tFAILOVER")
			for _, m := range topo.Migrations {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\n", m.ID, m.Range, m.Source, m.Destination, m.State, m.Epoch, m.Failover)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		if unowned := topo.UnownedSlots(); len(unowned) > 0 {
			fmt.Printf("\nunowned slots: %s\n", unowned)
		}
		return nil
	},
}

var proxiesCmd = &cli.Command{
	Name:  "proxies",
	Usage: "List registered proxies",
	Action: func(ctx *cli.Context) error {
		proxies, err := brokerClient(ctx).Proxies(ctx.Context)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tADMIN\tLAST SEEN EPOCH\tHEALTHY\tFAILED CHECKS\tLAST REPORT")
		for _, p := range proxies {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%d\t%s\n", p.ID, p.Address, p.AdminAddress, p.LastSeenEpoch, p.Healthy, p.FailedChecks, p.LastReport.Format("2006-01-02T15:04:05Z07:00"))
		}
		return w.Flush()
	},
}

var applyCmd = &cli.Command{
	Name:  "apply",
	Usage: "Add chunks, backends and unowned slots from a manifest",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Aliases:  []string{"f"},
			Required: true,
			Usage:    "Path to the cluster manifest",
		},
	},
	Action: func(ctx *cli.Context) error {
		m, err := readManifest(ctx.String("file"))
		if err != nil {
			return err
		}

		client := brokerClient(ctx)
		topo, err := client.GetTopology(ctx.Context)
		if err != nil {
			return err
		}

		delta, notes, err := m.plan(topo)
		if err != nil {
			return err
		}
		for _, note := range notes {
			fmt.Println("note:", note)
		}
		if len(delta.Changes) == 0 {
			fmt.Println("topology already matches the manifest")
			return nil
		}

		return propose(ctx, topo.Epoch, delta)
	},
}

var addChunkCmd = &cli.Command{
	Name:  "add-chunk",
	Usage: "Add a chunk",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Required: true, Usage: "Chunk id"},
		&cli.StringFlag{Name: "proxy", Required: true, Usage: "RESP address of the proxy fronting the chunk"},
		&cli.StringSliceFlag{Name: "backend", Required: true, Usage: "Backend address, primary first"},
		&cli.StringFlag{Name: "replica-of", Usage: "Chunk this one replicates"},
		&cli.StringFlag{Name: "slots", Usage: "Unowned slots to assign, e.g. 0-8191"},
	},
	Action: func(ctx *cli.Context) error {
		chunk := model.Chunk{
			ID:        ctx.String("id"),
			Proxy:     ctx.String("proxy"),
			Backends:  ctx.StringSlice("backend"),
			ReplicaOf: ctx.String("replica-of"),
		}
		if raw := ctx.String("slots"); raw != "" {
			slots, err := model.ParseSlotRanges(raw)
			if err != nil {
				return err
			}
			chunk.Slots = slots
		}

		return proposeCurrent(ctx, model.AddChunk(chunk))
	},
}

var removeChunkCmd = &cli.Command{
	Name:  "remove-chunk",
	Usage: "Remove a chunk that owns no slots",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Required: true, Usage: "Chunk id"},
	},
	Action: func(ctx *cli.Context) error {
		return proposeCurrent(ctx, model.RemoveChunk(ctx.String("id")))
	},
}

var assignCmd = &cli.Command{
	Name:  "assign",
	Usage: "Assign unowned slots to a chunk",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "chunk", Required: true, Usage: "Chunk id"},
		&cli.StringFlag{Name: "slots", Required: true, Usage: "Slot ranges, e.g. 0-99,200"},
	},
	Action: func(ctx *cli.Context) error {
		slots, err := model.ParseSlotRanges(ctx.String("slots"))
		if err != nil {
			return err
		}

		changes := make([]model.Change, 0, len(slots))
		for _, r := range slots {
			changes = append(changes, model.AssignSlots(ctx.String("chunk"), r))
		}
		return proposeCurrent(ctx, changes...)
	},
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Start migrating a slot range to another chunk",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Required: true, Usage: "Source chunk"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "Destination chunk"},
		&cli.StringFlag{Name: "slots", Required: true, Usage: "Slot range, e.g. 12 or 0-99"},
	},
	Action: func(ctx *cli.Context) error {
		r, err := model.ParseSlotRange(ctx.String("slots"))
		if err != nil {
			return err
		}

		task := model.NewMigrationTask(r, ctx.String("from"), ctx.String("to"), false)
		if err := proposeCurrent(ctx, model.CreateMigration(task)); err != nil {
			return err
		}

		fmt.Println("task", task.ID)
		return nil
	},
}

var transitionCmd = &cli.Command{
	Name:  "transition",
	Usage: "Move a migration task to another state",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "task", Required: true, Usage: "Task id"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "importing, switching, completed or rolled_back"},
		&cli.StringFlag{Name: "reason", Value: "operator", Usage: "Reason recorded with terminal states"},
	},
	Action: func(ctx *cli.Context) error {
		to, err := model.ParseMigrationState(ctx.String("to"))
		if err != nil {
			return err
		}
		return transition(ctx, to)
	},
}

var rollbackCmd = &cli.Command{
	Name:  "rollback",
	Usage: "Cancel a migration task",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "task", Required: true, Usage: "Task id"},
		&cli.StringFlag{Name: "reason", Value: "operator cancellation", Usage: "Reason recorded with the task"},
	},
	Action: func(ctx *cli.Context) error {
		return transition(ctx, model.MigrationRolledBack)
	},
}

var finishedCmd = &cli.Command{
	Name:  "finished",
	Usage: "List recently finished migration tasks",
	Action: func(ctx *cli.Context) error {
		tasks, err := brokerClient(ctx).FinishedTasks(ctx.Context)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tRANGE\tSOURCE\tDESTINATION\tSTATE\tEPOCH\tREASON\tFINISHED")
		for _, f := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n", f.Task.ID, f.Task.Range, f.Task.Source, f.Task.Destination, f.State, f.Epoch, f.Reason, f.FinishedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return w.Flush()
	},
}

func transition(ctx *cli.Context, to model.MigrationState) error {
	id, err := uuid.Parse(ctx.String("task"))
	if err != nil {
		return err
	}

	client := brokerClient(ctx)
	topo, err := client.GetTopology(ctx.Context)
	if err != nil {
		return err
	}

	epoch, applied, err := client.Transition(ctx.Context, id, topo.Epoch, to, ctx.String("reason"))
	if err != nil {
		return err
	}

	if !applied {
		fmt.Printf("task %s already %s, epoch %d\n", id, to, epoch)
		return nil
	}
	fmt.Printf("task %s is %s at epoch %d\n", id, to, epoch)
	return nil
}

func proposeCurrent(ctx *cli.Context, changes ...model.Change) error {
	topo, err := brokerClient(ctx).GetTopology(ctx.Context)
	if err != nil {
		return err
	}
	return propose(ctx, topo.Epoch, model.NewDelta(changes...))
}

func propose(ctx *cli.Context, expectedEpoch uint64, delta model.Delta) error {
	epoch, err := brokerClient(ctx).ProposeUpdate(ctx.Context, expectedEpoch, delta)
	if err != nil {
		return err
	}

	log.Infow("clusterctl", "event", "topology updated", "epoch", epoch, "changes", len(delta.Changes))
	fmt.Printf("epoch %d\n", epoch)
	return nil
}
