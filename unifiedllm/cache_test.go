package unifiedllm

import "testing"

func TestPlaceBreakpointsAuto(t *testing.T) {
	bp := PlaceBreakpoints(DefaultCacheConfig(), 5)
	if !bp.System || !bp.Tools {
		t.Error("auto strategy should mark system and tools")
	}
	if bp.MessageIndex != 3 {
		t.Errorf("expected history breakpoint at second-to-last message (3), got %d", bp.MessageIndex)
	}
}

func TestPlaceBreakpointsShortHistory(t *testing.T) {
	bp := PlaceBreakpoints(DefaultCacheConfig(), 1)
	if bp.MessageIndex != -1 {
		t.Errorf("expected no history breakpoint for single message, got %d", bp.MessageIndex)
	}
}

func TestPlaceBreakpointsDisabled(t *testing.T) {
	cfg := CacheConfig{Enabled: true, Strategy: CacheDisabled}
	bp := PlaceBreakpoints(cfg, 5)
	if bp.System || bp.Tools || bp.MessageIndex != -1 {
		t.Errorf("disabled strategy should place nothing, got %+v", bp)
	}

	off := CacheConfig{Enabled: false, Strategy: CacheAuto}
	bp = PlaceBreakpoints(off, 5)
	if bp.System || bp.Tools || bp.MessageIndex != -1 {
		t.Errorf("master switch off should place nothing, got %+v", bp)
	}
}

func TestPlaceBreakpointsManual(t *testing.T) {
	cfg := CacheConfig{
		Enabled:  true,
		Strategy: CacheManual,
		Manual:   ManualCache{System: true, Tools: false, Messages: true},
	}
	bp := PlaceBreakpoints(cfg, 4)
	if !bp.System || bp.Tools {
		t.Errorf("manual flags not honored: %+v", bp)
	}
	if bp.MessageIndex != 2 {
		t.Errorf("expected history breakpoint at 2, got %d", bp.MessageIndex)
	}

	cfg.Manual.Messages = false
	bp = PlaceBreakpoints(cfg, 4)
	if bp.MessageIndex != -1 {
		t.Errorf("expected no history breakpoint, got %d", bp.MessageIndex)
	}
}
