package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
	"pkt.systems/portald/internal/pipeline"
	"pkt.systems/portald/internal/portal"
)

// handleAll runs the full collection pipeline: authenticate, then the
// four data pages. Soft step failures surface as classified entries in
// the result's errors map; whether they abort the pipeline is a uniform
// policy choice, not per-step behaviour.
func (h *Handler) handleAll(ctx context.Context, ow *onceWriter, r *http.Request, logger pslog.Logger) {
	id, secret, ok := h.decodeCredentials(ow, r, logger)
	if !ok {
		return
	}
	h.runGuarded(ctx, ow, logger, id, func(ctx context.Context, sess browser.Session) {
		res := &pipeline.Result{}
		err := h.orch.Run(ctx, h.collectionSteps(sess, id, secret), res)
		if err != nil {
			var stepErr *pipeline.StepError
			if errors.As(err, &stepErr) {
				switch {
				case errors.Is(stepErr.Err, portal.ErrInvalidCredentials):
					ow.Write(http.StatusUnauthorized, resultBody{Result: msgLoginFailed}, nil)
				case stepErr.Fatal:
					logger.Error("pipeline.fatal", "step", stepErr.Step, "error", stepErr.Err)
					ow.Write(http.StatusUnauthorized, resultBody{Result: fatalErrorPrefix + classifyAutomation(stepErr.Err)}, nil)
				default:
					// PolicyAbort stopped on a soft failure.
					ow.Write(http.StatusUnauthorized, resultBody{Result: stepErr.Step + ": " + stepErr.Detail}, nil)
				}
				return
			}
			logger.Error("pipeline.failed", "error", err)
			ow.Write(http.StatusUnauthorized, resultBody{Result: fatalErrorPrefix + classifyAutomation(err)}, nil)
			return
		}
		ow.Write(http.StatusOK, res, nil)
	})
}

// collectionSteps builds the ordered pipeline for one request.
func (h *Handler) collectionSteps(sess browser.Session, id, secret string) []pipeline.Step {
	return []pipeline.Step{
		{Name: "authenticate", Run: func(ctx context.Context, _ *pipeline.Result) pipeline.Outcome {
			authed, err := h.portal.Authenticate(ctx, sess, id, secret)
			switch {
			case err != nil:
				return h.observe("authenticate", pipeline.Fatal(err))
			case !authed:
				return h.observe("authenticate", pipeline.Fatal(portal.ErrInvalidCredentials))
			}
			return h.observe("authenticate", pipeline.OK())
		}},
		{Name: "schedule", Run: func(ctx context.Context, res *pipeline.Result) pipeline.Outcome {
			v, err := h.portal.FetchSchedule(ctx, sess, id, secret)
			if err == nil {
				res.Schedule = v
			}
			return h.observe("schedule", fetchOutcome(err))
		}},
		{Name: "profile", Run: func(ctx context.Context, res *pipeline.Result) pipeline.Outcome {
			v, err := h.portal.FetchProfile(ctx, sess, id, secret)
			if err == nil {
				res.Profile = v
			}
			return h.observe("profile", fetchOutcome(err))
		}},
		{Name: "examSchedule", Run: func(ctx context.Context, res *pipeline.Result) pipeline.Outcome {
			v, err := h.portal.FetchExamSchedule(ctx, sess, id, secret)
			if err == nil {
				res.ExamSchedule = v
			}
			return h.observe("examSchedule", fetchOutcome(err))
		}},
		{Name: "tuition", Run: func(ctx context.Context, res *pipeline.Result) pipeline.Outcome {
			v, err := h.portal.FetchTuition(ctx, sess, id, secret)
			if err == nil {
				res.Tuition = v
			}
			return h.observe("tuition", fetchOutcome(err))
		}},
	}
}

// fetchOutcome classifies a fetcher error as a tagged step outcome.
func fetchOutcome(err error) pipeline.Outcome {
	switch {
	case err == nil:
		return pipeline.OK()
	case errors.Is(err, portal.ErrNoData):
		return pipeline.SoftFailure("no data")
	case errors.Is(err, portal.ErrSessionExpired):
		return pipeline.SoftFailure("session expired")
	default:
		return pipeline.Fatal(err)
	}
}

func (h *Handler) observe(step string, out pipeline.Outcome) pipeline.Outcome {
	switch out.Status {
	case pipeline.StatusOK:
		h.observer.StepOutcome(step, "ok")
	case pipeline.StatusSoftFailure:
		h.observer.StepOutcome(step, "soft_failure")
	case pipeline.StatusFatal:
		h.observer.StepOutcome(step, "fatal")
	}
	return out
}
