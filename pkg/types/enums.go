package types

import (
	"fmt"
	"strings"
)

// Position is a named crop anchor
type Position string

const (
	PositionCenter      Position = "center"
	PositionTop         Position = "top"
	PositionBottom      Position = "bottom"
	PositionLeft        Position = "left"
	PositionRight       Position = "right"
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
	PositionAuto        Position = "auto"
)

// NamedPositions lists the nine fixed anchors
func NamedPositions() []Position {
	return []Position{
		PositionTopLeft, PositionTop, PositionTopRight,
		PositionLeft, PositionCenter, PositionRight,
		PositionBottomLeft, PositionBottom, PositionBottomRight,
	}
}

// ParsePosition accepts hyphen, underscore or space separated names
func ParsePosition(s string) (Position, error) {
	norm := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(s)))
	if norm == "" {
		return PositionAuto, nil
	}
	p := Position(norm)
	if p == PositionAuto {
		return p, nil
	}
	for _, named := range NamedPositions() {
		if p == named {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown position %q", s)
}

// Axes returns the horizontal and vertical placement of the position as -1, 0 or 1
func (p Position) Axes() (int, int) {
	var h, v int
	s := string(p)
	if strings.Contains(s, "left") {
		h = -1
	} else if strings.Contains(s, "right") {
		h = 1
	}
	if strings.Contains(s, "top") {
		v = -1
	} else if strings.Contains(s, "bottom") {
		v = 1
	}
	return h, v
}

// PositionFromAxes is the inverse of Axes
func PositionFromAxes(h, v int) Position {
	var vert, horiz string
	switch {
	case v < 0:
		vert = "top"
	case v > 0:
		vert = "bottom"
	}
	switch {
	case h < 0:
		horiz = "left"
	case h > 0:
		horiz = "right"
	}
	switch {
	case vert == "" && horiz == "":
		return PositionCenter
	case vert == "":
		return Position(horiz)
	case horiz == "":
		return Position(vert)
	}
	return Position(vert + "-" + horiz)
}

// Task is an enhancement model applied per tile
type Task string

const (
	TaskDenoise       Task = "denoise"
	TaskDeblur        Task = "deblur"
	TaskDerain        Task = "derain"
	TaskDehazeIndoor  Task = "dehaze-indoor"
	TaskDehazeOutdoor Task = "dehaze-outdoor"
	TaskLowLight      Task = "low-light"
	TaskRetouch       Task = "retouch"
)

// AllTasks lists every supported enhancement task
func AllTasks() []Task {
	return []Task{TaskDenoise, TaskDeblur, TaskDerain, TaskDehazeIndoor, TaskDehazeOutdoor, TaskLowLight, TaskRetouch}
}

// IsRestoration reports whether the task is one of the restoration models
func (t Task) IsRestoration() bool {
	return t != TaskRetouch
}

// ParseTask validates a task name
func ParseTask(s string) (Task, error) {
	t := Task(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTasks() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown enhancement task %q", s)
}

// ParseTasks parses a comma separated, ordered task list
func ParseTasks(s string) ([]Task, error) {
	var tasks []Task
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseTask(part)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
