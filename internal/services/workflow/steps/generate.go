package steps

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
)

// GenerateStep produces the draft document from the confirmed plan and
// suspends on a preview prompt unless the job is auto-approved.
type GenerateStep struct {
	generator Generator
	logger    arbor.ILogger
}

func (s *GenerateStep) Phase() models.Phase {
	return models.PhaseGenerate
}

func (s *GenerateStep) Execute(ctx context.Context, in *interfaces.PhaseInput, sink interfaces.ProgressSink) interfaces.PhaseResult {
	if in.Plan == nil {
		return interfaces.Fail(models.NewError(models.KindInternal, "generate phase requires a plan"))
	}

	sink.Progress(40, "Generating skill document")
	draft, err := s.generator.Generate(ctx, in.Plan, in.Feedback)
	if err != nil {
		return interfaces.Fail(err)
	}
	if draft == nil || draft.Content == "" {
		return interfaces.Fail(models.NewError(models.KindLLMError, "generator produced an empty draft"))
	}
	sink.Progress(60, "Draft generated")

	if !in.Job.AutoApprove {
		resp := in.LatestResponse(models.HITLPreview)
		if resp == nil || resp.Action != models.ActionProceed {
			return interfaces.Suspend(models.HITLPreview, map[string]interface{}{
				"skill_name": in.Plan.Metadata.Name,
				"draft":      draft.Content,
				"highlights": draft.Highlights,
			})
		}
	}

	sink.Progress(70, "Draft approved")
	return interfaces.Succeed(draft)
}
