package backend

import "testing"

func TestConmuxParseResponse(t *testing.T) {
	resp := conmuxParseResponse("status=OK result=h%3A42\n")
	if resp["status"] != "OK" {
		t.Fatalf("status: got %q", resp["status"])
	}
	if resp["result"] != "h:42" {
		t.Fatalf("result (percent-decoded): got %q", resp["result"])
	}
}

func TestConmuxParseResponseStopsAtUnprintable(t *testing.T) {
	// An unprintable byte ends the current
	// value rather than being escaped; the malformed remainder of the line
	// (no following "key=") is simply not parsed further.
	resp := conmuxParseResponse("title=hello\x01world status=OK")
	if resp["title"] != "hello" {
		t.Fatalf("title should stop at the unprintable byte: got %q", resp["title"])
	}
	if _, ok := resp["status"]; ok {
		t.Fatalf("malformed remainder should not yield a status key: got %+v", resp)
	}
}
