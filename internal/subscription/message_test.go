package subscription

import (
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	testCases := []struct {
		name  string
		raw   string
		valid bool
	}{
		{name: "keep alive", raw: `{"type":"ka"}`, valid: true},
		{name: "data", raw: `{"id":"1","type":"data","payload":{"data":{}}}`, valid: true},
		{name: "id-less error", raw: `{"type":"error","payload":{"errors":[]}}`, valid: true},
		{name: "malformed", raw: `{"type":`},
		{name: "missing type", raw: `{"id":"1"}`},
		{name: "unknown type", raw: `{"type":"subscribe","id":"1"}`},
		{name: "data without id", raw: `{"type":"data","payload":{}}`},
		{name: "data without payload", raw: `{"id":"1","type":"data"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			message, err := ParseMessage([]byte(testCase.raw))
			if testCase.valid {
				require.NoError(t, err)
				assert.NotEmpty(t, message.Type)
				return
			}
			require.ErrorIs(t, err, model.ErrProtocol)
		})
	}
}

func TestDescribeErrorPayload(t *testing.T) {
	assert.Equal(t, "UnauthorizedException: nope; 400: bad",
		describeErrorPayload([]byte(`{"errors":[{"errorType":"UnauthorizedException","message":"nope"},{"errorCode":400,"message":"bad"}]}`)))
	assert.Equal(t, "no details", describeErrorPayload(nil))
}
