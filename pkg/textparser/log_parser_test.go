// Copyright (c) OpenMMLab. All rights reserved.

package textparser

import (
	"context"
	"reflect"
	"testing"
	"time"

	"oamix/logger"
)

func TestLogParser_Parse(t *testing.T) {
	logtime, _ := time.ParseInLocation("2006-01-02 15:04:05", "2025-07-11 02:32:52", time.Local)
	type args struct {
		ctx    context.Context
		inputs []string
	}
	tests := []struct {
		name    string
		args    args
		want    []*LogEntry
		wantErr bool
	}{
		{
			name: "plain",
			args: args{
				ctx:    context.TODO(),
				inputs: []string{"dsaljflkdjafljadslfj"},
			},
			want: []*LogEntry{
				{Message: "dsaljflkdjafljadslfj"},
			},
		},
		{
			name: "mmengine epoch",
			args: args{
				ctx: context.TODO(),
				inputs: []string{
					"2025/07/11 02:32:52 - mmengine - INFO - Epoch(train)  [3][ 50/372]  lr: 2.0000e-02  eta: 1:02:03  loss: 0.9120",
				},
			},
			want: []*LogEntry{
				{
					Timestamp: logtime,
					Level:     "INFO",
					Epoch:     3,
					Iter:      50,
					Message:   "2025/07/11 02:32:52 - mmengine - INFO - Epoch(train)  [3][ 50/372]  lr: 2.0000e-02  eta: 1:02:03  loss: 0.9120",
				},
			},
		},
		{
			name: "mmcv epoch",
			args: args{
				ctx: context.TODO(),
				inputs: []string{
					"2025-07-11 02:32:52,417 - mmdet - INFO - Epoch [1][100/372]\tlr: 1.998e-02, eta: 2:10:44",
				},
			},
			want: []*LogEntry{
				{
					Timestamp: logtime,
					Level:     "INFO",
					Epoch:     1,
					Iter:      100,
					Message:   "2025-07-11 02:32:52,417 - mmdet - INFO - Epoch [1][100/372]\tlr: 1.998e-02, eta: 2:10:44",
				},
			},
		},
		{
			name: "iter based",
			args: args{
				ctx: context.TODO(),
				inputs: []string{
					"2025/07/11 02:32:52 - mmengine - WARNING - Iter(train) [ 2000/90000]  lr: 2.0000e-02",
				},
			},
			want: []*LogEntry{
				{
					Timestamp: logtime,
					Level:     "WARNING",
					Iter:      2000,
					Message:   "2025/07/11 02:32:52 - mmengine - WARNING - Iter(train) [ 2000/90000]  lr: 2.0000e-02",
				},
			},
		},
		{
			name: "bad date",
			args: args{
				ctx:    context.TODO(),
				inputs: []string{"2025/13/41 02:32:52 - mmengine - INFO - hello"},
			},
			want: []*LogEntry{
				{Message: "2025/13/41 02:32:52 - mmengine - INFO - hello"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &LogParser{}
			got, err := ParseWithType[[]*LogEntry](tt.args.ctx, p, tt.args.inputs)
			if (err != nil) != tt.wantErr {
				t.Errorf("LogParser.Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LogParser.Parse() = %v, want %v", logger.ToPrettyJSON(got), logger.ToPrettyJSON(tt.want))
			}
		})
	}
}
