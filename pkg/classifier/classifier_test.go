package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testConfig() config.ClassifierConfig {
	return config.ClassifierConfig{
		EnableLLM:   false,
		LLMTimeout:  time.Second,
		CacheMaxAge: time.Hour,
	}
}

func TestClassifyPicksHighestScoringDepartment(t *testing.T) {
	c := New(testConfig(), nil)
	result, err := c.Classify(context.Background(), "please send an email to notify the team and draft a reply")
	require.NoError(t, err)
	assert.Equal(t, types.IntentCommunications, result.Intent)
	assert.Equal(t, types.ClassificationMethodKeyword, result.Method)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestClassifyNoKeywordMatchFallsBackToCoordination(t *testing.T) {
	c := New(testConfig(), nil)
	result, err := c.Classify(context.Background(), "xyzzy plugh")
	require.NoError(t, err)
	assert.Equal(t, types.IntentCoordination, result.Intent)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestClassifyIsCachedByText(t *testing.T) {
	c := New(testConfig(), nil)
	text := "automate the deployment pipeline build"
	first, err := c.Classify(context.Background(), text)
	require.NoError(t, err)

	c.cache[textHash(text)].Intent = types.IntentAnalysis // mutate cache directly
	second, err := c.Classify(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, types.IntentAnalysis, second.Intent)
	assert.NotEqual(t, first.Intent, second.Intent)
}

func TestRecordFeedbackIsAppendOnly(t *testing.T) {
	c := New(testConfig(), nil)
	c.RecordFeedback("automate the build", types.ClassificationFeedback{TaskID: "t1", PredictedIntent: types.IntentAnalysis, ActualIntent: types.IntentAutomation})
	c.RecordFeedback("send an email", types.ClassificationFeedback{TaskID: "t2", PredictedIntent: types.IntentCommunications, ActualIntent: types.IntentCommunications})

	fb := c.Feedback()
	require.Len(t, fb, 2)
	assert.Equal(t, "t1", fb[0].TaskID)
}

func TestRecordFeedbackInvalidatesCacheAndLearnsCorrection(t *testing.T) {
	c := New(testConfig(), nil)
	text := "review quarterly numbers"

	first, err := c.Classify(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, types.IntentAnalysis, first.Intent)

	c.RecordFeedback(text, types.ClassificationFeedback{
		TaskID:              "t1",
		PredictedIntent:     first.Intent,
		PredictedConfidence: first.Confidence,
		ActualIntent:        types.IntentCoordination,
		Source:              "manual",
	})

	_, cached := c.cacheLookup(textHash(text))
	assert.False(t, cached, "cache entry should be invalidated after a correction")

	second, err := c.Classify(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, types.IntentCoordination, second.Intent, "re-classification should reflect the learned correction")
}

func TestRecordFeedbackWithoutMismatchDoesNotTouchCache(t *testing.T) {
	c := New(testConfig(), nil)
	text := "send an email to the team"

	first, err := c.Classify(context.Background(), text)
	require.NoError(t, err)

	c.RecordFeedback(text, types.ClassificationFeedback{
		TaskID:          "t2",
		PredictedIntent: first.Intent,
		ActualIntent:    first.Intent,
	})

	_, cached := c.cacheLookup(textHash(text))
	assert.True(t, cached, "a confirming (non-correcting) feedback must not invalidate the cache")
}

func TestAnalyticsAggregatesAccuracyAndConfusions(t *testing.T) {
	c := New(testConfig(), nil)
	c.RecordFeedback("a", types.ClassificationFeedback{PredictedIntent: types.IntentAnalysis, ActualIntent: types.IntentCoordination, Method: types.ClassificationMethodKeyword})
	c.RecordFeedback("b", types.ClassificationFeedback{PredictedIntent: types.IntentAnalysis, ActualIntent: types.IntentCoordination, Method: types.ClassificationMethodKeyword})
	c.RecordFeedback("c", types.ClassificationFeedback{PredictedIntent: types.IntentCommunications, ActualIntent: types.IntentCommunications, Method: types.ClassificationMethodLLM})

	analytics := c.Analytics(5)
	assert.Equal(t, 3, analytics.TotalFeedback)
	assert.InDelta(t, 1.0/3.0, analytics.Accuracy, 0.001)
	assert.Equal(t, 0.0, analytics.ByMethod[types.ClassificationMethodKeyword].Accuracy)
	assert.Equal(t, 1.0, analytics.ByMethod[types.ClassificationMethodLLM].Accuracy)
	require.Len(t, analytics.TopConfusions, 1)
	assert.Equal(t, ConfusionPair{Predicted: types.IntentAnalysis, Actual: types.IntentCoordination, Count: 2}, analytics.TopConfusions[0])
}

func TestClassifyUsesLLMWhenEnabledEvenIfKeywordConfidenceIsHigh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("coordination|0.99"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.EnableLLM = true
	cfg.LLMEndpoint = server.URL
	c := New(cfg, nil)

	// Strong keyword signal for communications; LLM must still be consulted
	// first and win, since enable_llm is purely a config switch (no
	// confidence gate) per the original classify_intent_with_confidence.
	result, err := c.Classify(context.Background(), "send an email to notify the team and draft a reply")
	require.NoError(t, err)
	assert.Equal(t, types.IntentCoordination, result.Intent)
	assert.Equal(t, types.ClassificationMethodLLM, result.Method)
	assert.Equal(t, 0.99, result.Confidence)
}

func TestClassifyFallsBackToKeywordWhenLLMFails(t *testing.T) {
	cfg := testConfig()
	cfg.EnableLLM = true
	cfg.LLMEndpoint = "" // forces classifyViaLLM to fail immediately
	c := New(cfg, nil)

	result, err := c.Classify(context.Background(), "please send an email to notify the team and draft a reply")
	require.NoError(t, err)
	assert.Equal(t, types.IntentCommunications, result.Intent)
	assert.Equal(t, types.ClassificationMethodKeyword, result.Method)
}

func TestParseLLMResponse(t *testing.T) {
	intent, confidence, err := parseLLMResponse("analysis|0.92")
	require.NoError(t, err)
	assert.Equal(t, types.IntentAnalysis, intent)
	assert.Equal(t, 0.92, confidence)

	_, _, err = parseLLMResponse("garbage")
	assert.Error(t, err)

	_, _, err = parseLLMResponse("not_a_department|0.5")
	assert.Error(t, err)
}
