// Copyright (c) OpenMMLab. All rights reserved.

package launch

import (
	"fmt"
	"strconv"
	"strings"
)

const cudaVisibleDevicesKey = "CUDA_VISIBLE_DEVICES"

// ParseVisibleDevices parses a CUDA_VISIBLE_DEVICES list such as "0,1,2,3".
// Ids must be distinct and non-negative.
func ParseVisibleDevices(val string) ([]int, error) {
	val = strings.TrimSpace(val)
	if len(val) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{})
	var ids []int
	for _, p := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVisibleDevices, val)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative device %d", ErrInvalidVisibleDevices, n)
		}
		if _, ok := seen[n]; ok {
			return nil, fmt.Errorf("%w: duplicated device %d", ErrInvalidVisibleDevices, n)
		}
		seen[n] = struct{}{}
		ids = append(ids, n)
	}
	return ids, nil
}
