package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_DetectsCodeByKeyword(t *testing.T) {
	assert.Equal(t, QueryTypeCode, Classify("func ProcessBatch(items []Item) error {"))
	assert.Equal(t, QueryTypeCode, Classify("def process_batch(items):"))
}

func TestClassify_DetectsQuestionByWhWord(t *testing.T) {
	assert.Equal(t, QueryTypeQuestion, Classify("how does authentication work"))
	assert.Equal(t, QueryTypeQuestion, Classify("what is the retry policy?"))
}

func TestClassify_DetectsQuestionByTrailingMark(t *testing.T) {
	assert.Equal(t, QueryTypeQuestion, Classify("why retries are capped at three?"))
}

func TestClassify_FallsBackToNL(t *testing.T) {
	assert.Equal(t, QueryTypeNL, Classify("user session timeout handling"))
}

func TestClassify_UsesOnlyFirstLine(t *testing.T) {
	assert.Equal(t, QueryTypeCode, Classify("func Handler() {\nhow does this work\n}"))
}

func TestQueryPrefix_MapsCodeAndNLToCodePrefix(t *testing.T) {
	assert.Equal(t, QueryCodePrefix, QueryPrefix("func main() {}"))
	assert.Equal(t, QueryCodePrefix, QueryPrefix("session timeout handling"))
}

func TestQueryPrefix_MapsQuestionToTechQAPrefix(t *testing.T) {
	assert.Equal(t, QueryQuestionPrefix, QueryPrefix("how does retry work?"))
}

func TestPassagePrefix_DistinguishesCodeFromProse(t *testing.T) {
	assert.Equal(t, PassageCodePrefix, PassagePrefix("func main() {}"))
	assert.Equal(t, PassageNLPrefix, PassagePrefix("This file implements the retry policy."))
}
