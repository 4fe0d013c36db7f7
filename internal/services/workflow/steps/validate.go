package steps

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/validation"
)

// ValidateStep runs the rule validator over the on-disk draft. The report
// is always surfaced on a validate prompt unless the job is auto-approved
// and the draft passed; a failing report suspends even for auto-approve
// so the operator can refine instead of losing the draft.
type ValidateStep struct {
	validator *validation.Service
	logger    arbor.ILogger
}

func (s *ValidateStep) Phase() models.Phase {
	return models.PhaseValidate
}

func (s *ValidateStep) Execute(ctx context.Context, in *interfaces.PhaseInput, sink interfaces.ProgressSink) interfaces.PhaseResult {
	if in.DraftDir == "" {
		return interfaces.Fail(models.NewError(models.KindInternal, "validate phase requires a draft directory"))
	}

	sink.Progress(80, "Validating draft")
	report, err := s.validator.ValidateDraft(ctx, in.DraftDir)
	if err != nil {
		return interfaces.Fail(err)
	}
	sink.Reasoning(fmt.Sprintf("Validation score %.2f with %d error(s), %d warning(s)",
		report.Score, len(report.Errors), len(report.Warnings)))

	autoPass := in.Job.AutoApprove && report.Passed
	if !autoPass {
		resp := in.LatestResponse(models.HITLValidate)
		if resp == nil || resp.Action != models.ActionProceed {
			return interfaces.Suspend(models.HITLValidate, map[string]interface{}{
				"report": report,
			})
		}
	}

	sink.Progress(90, "Validation reviewed")
	return interfaces.Succeed(&models.ValidateOutput{Report: *report, Score: report.Score})
}
