package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ReplyError
		want string
	}{
		{
			name: "with command and enhanced code",
			err:  NewReplyError("RCPT TO", 550, []string{"5.1.1 User unknown"}),
			want: "smtp: RCPT TO: 550 5.1.1 User unknown",
		},
		{
			name: "greeting without enhanced code",
			err:  NewReplyError("", 554, []string{"No service for you"}),
			want: "smtp: 554 No service for you",
		},
		{
			name: "multi-line keeps every line",
			err:  NewReplyError("DATA", 451, []string{"4.3.0 first", "second"}),
			want: "smtp: DATA: 451 4.3.0 first\nsecond",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestReplyError_Text(t *testing.T) {
	err := NewReplyError("AUTH", 535, []string{"5.7.8 Authentication credentials invalid"})
	assert.Equal(t, "535 5.7.8 Authentication credentials invalid", err.Text())
	assert.Equal(t, EnhancedCodeAuthCredentials, err.EnhancedCode)
	assert.Equal(t, "Authentication credentials invalid", err.Message)
}

func TestReplyError_Temporary(t *testing.T) {
	assert.True(t, NewReplyError("MAIL FROM", 450, []string{"busy"}).Temporary())
	assert.False(t, NewReplyError("MAIL FROM", 550, []string{"no"}).Temporary())
}
