// Copyright (c) OpenMMLab. All rights reserved.

package scripts

import (
	"context"
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_executeScript(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    *template.Template
		data    any
		want    string
		wantErr bool
	}{
		{
			name: "normal",
			tmpl: template.Must(template.New("test").Parse("echo 'hello {{.}}'")),
			data: "world",
			want: "hello world\n",
		},
		{
			name:    "failing script",
			tmpl:    template.Must(template.New("test").Parse("echo oops; exit 2")),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := executeScript(context.TODO(), tt.tmpl, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("executeScript() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				assert.Equal(t, tt.want, string(got))
			}
		})
	}
}

func Test_executeShellScript_Context(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := executeShellScript(ctx, "sleep 10")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
