package models

import "testing"

func TestEpisodeTransitions(t *testing.T) {
	cases := []struct {
		from   string
		to     string
		wantOK bool
	}{
		{EpisodeStatusScriptGenerating, EpisodeStatusScriptReview, true},
		{EpisodeStatusScriptGenerating, EpisodeStatusProduction, false},
		{EpisodeStatusScriptReview, EpisodeStatusStoryboard, true},
		{EpisodeStatusScriptReview, EpisodeStatusScriptGenerating, true},
		{EpisodeStatusScriptReview, EpisodeStatusComposing, false},
		{EpisodeStatusStoryboard, EpisodeStatusProduction, true},
		{EpisodeStatusStoryboard, EpisodeStatusScriptReview, true},
		{EpisodeStatusStoryboard, EpisodeStatusCompleted, false},
		{EpisodeStatusProduction, EpisodeStatusComposing, true},
		{EpisodeStatusProduction, EpisodeStatusStoryboard, true},
		{EpisodeStatusProduction, EpisodeStatusCompleted, false},
		{EpisodeStatusComposing, EpisodeStatusCompleted, true},
		{EpisodeStatusComposing, EpisodeStatusProduction, true},
		{EpisodeStatusCompleted, EpisodeStatusScriptReview, true},
		{EpisodeStatusCompleted, EpisodeStatusComposing, true},
		{EpisodeStatusCompleted, EpisodeStatusScriptGenerating, false},
	}
	for _, c := range cases {
		ep := &Episode{Status: c.from}
		err := ep.AdvanceTo(c.to)
		if c.wantOK && err != nil {
			t.Errorf("%s -> %s 应允许, got %v", c.from, c.to, err)
		}
		if !c.wantOK && err == nil {
			t.Errorf("%s -> %s 应拒绝", c.from, c.to)
		}
	}
}

func TestIsComposeReset(t *testing.T) {
	ep := &Episode{Status: EpisodeStatusComposing}
	if !ep.IsComposeReset(EpisodeStatusProduction) {
		t.Error("COMPOSING -> PRODUCTION 应判定为合成 reset")
	}
	if ep.IsComposeReset(EpisodeStatusCompleted) {
		t.Error("COMPOSING -> COMPLETED 不是合成 reset")
	}
	ep = &Episode{Status: EpisodeStatusProduction}
	if ep.IsComposeReset(EpisodeStatusProduction) {
		t.Error("非 COMPOSING 状态不存在合成 reset")
	}
}
