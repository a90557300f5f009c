// Copyright (c) OpenMMLab. All rights reserved.

package textparser

import (
	"context"
	"reflect"
	"testing"

	"oamix/logger"
)

func TestStackParser_Parse(t *testing.T) {
	stackDump := `The frame stack for thread 2846 is empty
Traceback for thread 2843 (pt_autograd_0) [] (most recent call last):
    (Python) File "/usr/local/lib/python3.10/dist-packages/torch/autograd/function.py", line 307, in apply
        return user_fn(self, *args)
    (Python) File "/workspace/mmdet/models/losses/oamix_loss.py", line 88, in forward
        loss = self.jsd(feats)

Traceback for thread 1654 (python) [] (most recent call last):
    (Python) File "/usr/lib/python3.10/threading.py", line 1030, in _bootstrap
        self._bootstrap_inner()
    (Python) File "/usr/lib/python3.10/threading.py", line 355, in wait
        waiter.acquire()`
	type args struct {
		ctx    context.Context
		inputs []string
	}
	tests := []struct {
		name    string
		args    args
		want    []*ThreadStack
		wantErr bool
	}{
		{
			name: "two threads",
			args: args{
				ctx:    context.TODO(),
				inputs: []string{stackDump},
			},
			want: []*ThreadStack{
				{
					ThreadID:   2843,
					ThreadName: "pt_autograd_0",
					StackFrames: []string{
						"File \"/usr/local/lib/python3.10/dist-packages/torch/autograd/function.py\", line 307, in apply\nreturn user_fn(self, *args)",
						"File \"/workspace/mmdet/models/losses/oamix_loss.py\", line 88, in forward\nloss = self.jsd(feats)",
					},
				},
				{
					ThreadID:   1654,
					ThreadName: "python",
					StackFrames: []string{
						"File \"/usr/lib/python3.10/threading.py\", line 1030, in _bootstrap\nself._bootstrap_inner()",
						"File \"/usr/lib/python3.10/threading.py\", line 355, in wait\nwaiter.acquire()",
					},
				},
			},
		},
		{
			name: "empty",
			args: args{
				ctx:    context.TODO(),
				inputs: []string{""},
			},
			want: []*ThreadStack{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &StackParser{}
			got, err := p.Parse(tt.args.ctx, tt.args.inputs)
			if (err != nil) != tt.wantErr {
				t.Errorf("StackParser.Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("StackParser.Parse() = %v, want %v", logger.ToPrettyJSON(got), logger.ToPrettyJSON(tt.want))
			}
		})
	}
}
