// Copyright (c) OpenMMLab. All rights reserved.

package runner

import "fmt"

type color uint8

// Standard XTerm foreground colors
const (
	green     color = 32
	yellow    color = 33
	blue      color = 34
	magenta   color = 35
	lightBlue color = 36
)

var basicColors = []color{green, blue, yellow, lightBlue}

func chooseColor(i int) color {
	return basicColors[i%len(basicColors)]
}

func (c color) s(text string) string {
	return fmt.Sprintf("\x1b[1;%dm%s\x1b[m", c, text)
}
