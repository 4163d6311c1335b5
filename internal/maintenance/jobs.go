package maintenance

import (
	"context"
	"fmt"

	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

const (
	JobResync = "resync"
	JobPrune  = "prune"
	JobReport = "report"
)

type Pruner interface {
	PruneRecords(ctx context.Context, keep int) (int, error)
}

type Loader interface {
	Load(ctx context.Context) (int, error)
}

// PruneJob drops stored draw history beyond the newest keep records.
func PruneJob(spec string, store Pruner, keep int, log logx.Logger) Job {
	return Job{
		Name: JobPrune,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := store.PruneRecords(ctx, keep)
			if err != nil {
				return fmt.Errorf("prune records: %w", err)
			}
			if n > 0 {
				log.Info("draw history pruned", logx.Int("removed", n), logx.Int("keep", keep))
			}
			return nil
		},
	}
}

// ResyncJob reloads the in-memory registry from storage.
func ResyncJob(spec string, reg Loader, log logx.Logger) Job {
	return Job{
		Name: JobResync,
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := reg.Load(ctx)
			if err != nil {
				return fmt.Errorf("resync registry: %w", err)
			}
			log.Debug("registry resynced", logx.Int("active", n))
			return nil
		},
	}
}

// ReportJob sends render() to the chat returned by target; 0 skips the run.
func ReportJob(spec string, render func() string, sender transport.Sender, target func() transport.Recipient) Job {
	return Job{
		Name: JobReport,
		Spec: spec,
		Run: func(ctx context.Context) error {
			to := target()
			if to == 0 {
				return nil
			}
			_, err := sender.SendText(ctx, to, render(), &transport.SendOptions{DisablePreview: true})
			return err
		},
	}
}
