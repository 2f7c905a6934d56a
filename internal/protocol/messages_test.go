package protocol

import (
	"encoding/json"
	"testing"
)

func TestPulseGuideWireShape(t *testing.T) {
	req := PulseGuide("uid-1", 3, 2, 450.5)
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["method"] != "RemotePulseGuide" {
		t.Errorf("method = %v", decoded["method"])
	}
	params := decoded["params"].(map[string]any)
	// The host requires Parallelized as the string "true", not a boolean.
	if params["Parallelized"] != "true" {
		t.Errorf("Parallelized = %v (%T), want string \"true\"", params["Parallelized"], params["Parallelized"])
	}
	if params["UID"] != "uid-1" || params["Direction"] != float64(2) || params["Duration"] != 450.5 {
		t.Errorf("params = %v", params)
	}
	if decoded["id"] != float64(3) {
		t.Errorf("id = %v", decoded["id"])
	}
}

func TestCameraShotWireShape(t *testing.T) {
	req := CameraShot("uid-2", 9, 5, 1, 2, true, `C:\calib\step.fit`)
	data, _ := json.Marshal(req)

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	params := decoded["params"].(map[string]any)
	for _, key := range []string{"Expo", "Bin", "IsROI", "ROITYPE", "ROIX", "ROIY", "ROIDX",
		"ROIDY", "FilterIndex", "ExpoType", "SpeedIndex", "ReadoutIndex", "IsSaveFile",
		"FitFileName", "Gain", "Offset", "Parallelized"} {
		if _, ok := params[key]; !ok {
			t.Errorf("params missing %s", key)
		}
	}
	if params["IsSaveFile"] != "true" || params["IsROI"] != "false" {
		t.Errorf("string booleans wrong: IsSaveFile=%v IsROI=%v", params["IsSaveFile"], params["IsROI"])
	}
	if params["FitFileName"] != `C:\calib\step.fit` {
		t.Errorf("FitFileName = %v", params["FitFileName"])
	}
}

func TestGotoRADecWireShape(t *testing.T) {
	req := GotoRADec("uid-3", 11, "12 30 45.10", "-05 10 20.30")
	params := req.Params
	if params["IsText"] != "true" || params["RAText"] != "12 30 45.10" || params["DECText"] != "-05 10 20.30" {
		t.Errorf("params = %v", params)
	}
}

func TestPendingBothHalvesRequired(t *testing.T) {
	p := NewPending("u", 1, StatusOK)
	if p.Complete() {
		t.Fatal("fresh pending reports complete")
	}
	p.AckReceived(0)
	if p.Complete() {
		t.Fatal("ack alone reports complete")
	}
	p.ResultReceived(StatusOK, nil)
	if !p.Complete() {
		t.Fatal("both ok halves should complete")
	}
}

func TestPendingNonOKNeverCompletes(t *testing.T) {
	p := NewPending("u", 1, StatusOK)
	p.AckReceived(0)
	p.ResultReceived(StatusAborted, nil)
	if p.Complete() {
		t.Fatal("non-OK action result reports complete")
	}

	p = NewPending("u", 2, StatusOK)
	p.AckReceived(-1)
	p.ResultReceived(StatusOK, nil)
	if p.Complete() {
		t.Fatal("failed jsonrpc ack reports complete")
	}
}

func TestTableIndexes(t *testing.T) {
	tbl := NewTable()
	p := NewPending("uid-9", 42, StatusOK)
	tbl.Add(p)

	if got, ok := tbl.ByUID("uid-9"); !ok || got != p {
		t.Fatal("ByUID lookup failed")
	}
	if got, ok := tbl.ByID(42); !ok || got != p {
		t.Fatal("ByID lookup failed")
	}

	tbl.Remove("uid-9")
	if _, ok := tbl.ByUID("uid-9"); ok {
		t.Fatal("removed entry still resolvable by uid")
	}
	if _, ok := tbl.ByID(42); ok {
		t.Fatal("removed entry still resolvable by id")
	}
}

func TestReplyResultCode(t *testing.T) {
	zero := 0
	r := &Reply{Result: &zero}
	if r.ResultCode() != 0 {
		t.Errorf("ResultCode = %d, want 0", r.ResultCode())
	}
	r = &Reply{Error: &RPCError{Code: -32000, Message: "busy"}}
	if r.ResultCode() != -1 {
		t.Errorf("ResultCode = %d, want -1 for error reply", r.ResultCode())
	}
}
