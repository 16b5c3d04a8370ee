package tui

import (
	"time"

	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/timeline"
)

type errMsg struct {
	err error
}

type commandResultMsg struct {
	message string
}

type tasksLoadedMsg struct {
	tasks []TaskItem
}

type readModelLoadedMsg struct {
	rm *models.ReadModel
}

type taskDetailLoadedMsg struct {
	task   *models.Task
	events []timeline.Event
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
