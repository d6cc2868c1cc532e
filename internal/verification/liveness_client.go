package verification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

const livenessProviderName = "rekognition"

// FaceLivenessAPI is the slice of the Rekognition client the liveness gateway
// uses, narrowed for testability.
type FaceLivenessAPI interface {
	CreateFaceLivenessSession(ctx context.Context, params *rekognition.CreateFaceLivenessSessionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateFaceLivenessSessionOutput, error)
	GetFaceLivenessSessionResults(ctx context.Context, params *rekognition.GetFaceLivenessSessionResultsInput, optFns ...func(*rekognition.Options)) (*rekognition.GetFaceLivenessSessionResultsOutput, error)
}

// LivenessClient drives Face Liveness sessions. Sessions are single-use: a
// new attempt always gets a fresh provider session.
type LivenessClient struct {
	api      FaceLivenessAPI
	minScore float32
	log      *slog.Logger
}

// NewLivenessClient builds the liveness gateway over a Rekognition client.
func NewLivenessClient(api FaceLivenessAPI, minScore float32, log *slog.Logger) *LivenessClient {
	if minScore <= 0 {
		minScore = 0.90
	}
	return &LivenessClient{api: api, minScore: minScore, log: log}
}

func (c *LivenessClient) CreateSession(ctx context.Context) (string, error) {
	out, err := c.api.CreateFaceLivenessSession(ctx, &rekognition.CreateFaceLivenessSessionInput{})
	if err != nil {
		return "", &SessionError{Provider: livenessProviderName, Op: "create-session", Err: err}
	}
	sessionID := aws.ToString(out.SessionId)
	if sessionID == "" {
		return "", &SessionError{Provider: livenessProviderName, Op: "create-session",
			Err: fmt.Errorf("provider returned empty session id")}
	}
	c.log.Info("liveness session created", "session_id", sessionID)
	return sessionID, nil
}

// FetchResult reads the session outcome. Passed requires both a succeeded
// session and a confidence at or above the configured minimum; the provider
// reports confidence as a percentage, the minimum is configured as a ratio.
func (c *LivenessClient) FetchResult(ctx context.Context, sessionID string) (LivenessResult, error) {
	out, err := c.api.GetFaceLivenessSessionResults(ctx, &rekognition.GetFaceLivenessSessionResultsInput{
		SessionId: aws.String(sessionID),
	})
	if err != nil {
		return LivenessResult{}, &SessionError{Provider: livenessProviderName, Op: "fetch-result", Err: err}
	}
	score := aws.ToFloat32(out.Confidence) / 100
	result := LivenessResult{
		Status: string(out.Status),
		Score:  score,
		Passed: out.Status == types.LivenessSessionStatusSucceeded && score >= c.minScore,
	}
	c.log.Info("liveness result fetched",
		"session_id", sessionID, "status", result.Status, "score", result.Score, "passed", result.Passed)
	return result, nil
}
