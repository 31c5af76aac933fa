package verify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

// Input is the evidence for one full verification run.
type Input struct {
	FaceVideoURL  string
	IDDocumentURL string
	Transcript    string
	FormReference string
}

// Collectors runs the three collectors for a session.
type Collectors struct {
	Liveness *LivenessCollector
	Identity *IdentityCollector
	Verbal   *VerbalCollector
}

// NewCollectors wires all collectors to one provider using the verification
// config for timeouts and the verbal element file.
func NewCollectors(p Provider, cfg config.VerificationConfig) (*Collectors, error) {
	var elements []Element
	if cfg.ElementsPath != "" {
		var err error
		elements, err = LoadElements(cfg.ElementsPath)
		if err != nil {
			return nil, err
		}
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	return &Collectors{
		Liveness: NewLivenessCollector(p, timeout),
		Identity: NewIdentityCollector(p, timeout),
		Verbal:   NewVerbalCollector(elements),
	}, nil
}

// Run executes the collectors concurrently. The verbal collector only runs
// when a transcript is supplied.
func (c *Collectors) Run(ctx context.Context, in Input) model.Analysis {
	var (
		out      model.Analysis
		liveness model.LivenessResult
		identity model.IdentityResult
		verbal   model.VerbalResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		liveness = c.Liveness.Collect(gctx, in.FaceVideoURL)
		return nil
	})
	g.Go(func() error {
		identity = c.Identity.Collect(gctx, IdentityInput{
			FaceVideoURL:  in.FaceVideoURL,
			IDDocumentURL: in.IDDocumentURL,
			Transcript:    in.Transcript,
		})
		return nil
	})
	if in.Transcript != "" {
		g.Go(func() error {
			verbal = c.Verbal.Collect(gctx, in.Transcript, in.FormReference)
			out.Verbal = &verbal
			return nil
		})
	}
	_ = g.Wait()

	out.Liveness = &liveness
	out.Identity = &identity

	zap.L().Debug("verify: collectors finished",
		zap.Bool("liveness_degraded", liveness.Degraded),
		zap.Bool("identity_degraded", identity.Degraded),
		zap.Bool("verbal_ran", out.Verbal != nil),
	)
	return out
}
