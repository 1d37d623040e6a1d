package adminapi

import (
	"time"

	"github.com/corehost/pluginhost/internal/descriptor"
	"github.com/corehost/pluginhost/internal/pluginmanager"
	"github.com/corehost/pluginhost/internal/scheduler"
)

// pluginView is the JSON shape returned for a mounted plugin.
type pluginView struct {
	Name               string    `json:"name"`
	Version            string    `json:"version"`
	Mode               string    `json:"mode"`
	RoutePrefix        string    `json:"routePrefix"`
	State              string    `json:"state"`
	ConsecutiveCrashes int       `json:"consecutiveCrashes"`
	LastError          string    `json:"lastError,omitempty"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
	UptimeSeconds       float64  `json:"uptimeSeconds"`
	PendingCalls       int       `json:"pendingCalls"`
}

func toPluginView(info pluginmanager.PluginInfo) pluginView {
	return pluginView{
		Name:               info.Descriptor.Name,
		Version:            info.Descriptor.Version,
		Mode:               string(info.Descriptor.Mode),
		RoutePrefix:        info.Descriptor.RoutePrefix,
		State:              string(info.Stats.Kind),
		ConsecutiveCrashes: info.Stats.ConsecutiveCrashes,
		LastError:          info.Stats.LastError,
		StartedAt:          info.Stats.StartedAt,
		UptimeSeconds:      info.Stats.Uptime.Seconds(),
		PendingCalls:       info.Stats.PendingCalls,
	}
}

// pluginDetailView adds crash history and the latest resource sample to
// the list view, for the single-plugin "show" endpoint (§6).
type pluginDetailView struct {
	pluginView
	RecentCrashes []crashView  `json:"recentCrashes"`
	LatestSample  *sampleView  `json:"latestSample,omitempty"`
}

type crashView struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type sampleView struct {
	At          time.Time `json:"at"`
	MemoryBytes int64     `json:"memoryBytes"`
	CPUSeconds  float64   `json:"cpuSeconds"`
}

func toPluginDetailView(info pluginmanager.PluginInfo) pluginDetailView {
	crashes := make([]crashView, 0, len(info.Stats.RecentCrashes))
	for _, c := range info.Stats.RecentCrashes {
		crashes = append(crashes, crashView{At: c.At, Reason: c.Reason})
	}
	var sample *sampleView
	if s := info.Stats.LatestSample; s != nil {
		sample = &sampleView{At: s.At, MemoryBytes: s.MemoryBytes, CPUSeconds: s.CPUSeconds}
	}
	return pluginDetailView{
		pluginView:    toPluginView(info),
		RecentCrashes: crashes,
		LatestSample:  sample,
	}
}

// jobView is the JSON shape of one scheduled job (§4.I "Introspection").
type jobView struct {
	ID        string             `json:"id"`
	Plugin    string             `json:"plugin"`
	Name      string             `json:"name"`
	State     scheduler.RunState `json:"state"`
	Attempt   int                `json:"attempt"`
	LastRunAt time.Time          `json:"lastRunAt,omitempty"`
	NextRunAt time.Time          `json:"nextRunAt,omitempty"`
	LastError string             `json:"lastError,omitempty"`
	Priority  descriptor.Priority  `json:"priority"`
	Execution descriptor.Execution `json:"execution"`
	DependsOn []string             `json:"dependsOn,omitempty"`
}

func toJobView(s scheduler.Snapshot) jobView {
	return jobView{
		ID: s.ID, Plugin: s.Plugin, Name: s.Name, State: s.State, Attempt: s.Attempt,
		LastRunAt: s.LastRunAt, NextRunAt: s.NextRunAt, LastError: s.LastError,
		Priority: s.Priority, Execution: s.Execution, DependsOn: s.DependsOn,
	}
}

type jobDetailView struct {
	jobView
	History []historyView `json:"history"`
}

type historyView struct {
	Attempt   int                `json:"attempt"`
	State     scheduler.RunState `json:"state"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   time.Time          `json:"endedAt"`
	Error     string             `json:"error,omitempty"`
}

func toJobDetailView(s scheduler.Snapshot) jobDetailView {
	hist := make([]historyView, 0, len(s.History))
	for _, h := range s.History {
		hist = append(hist, historyView{Attempt: h.Attempt, State: h.State, StartedAt: h.StartedAt, EndedAt: h.EndedAt, Error: h.Error})
	}
	return jobDetailView{jobView: toJobView(s), History: hist}
}
