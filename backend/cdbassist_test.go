package backend

import "testing"

func feed(c *cdbAssist, s string) {
	for _, r := range s {
		c.push(r)
	}
}

func TestCdbAssistParser_VoltageLine(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "5000mv/4950mv")
	if c.voltageSetMV != 5000 || c.voltageActualMV != 4950 {
		t.Fatalf("got set=%d actual=%d", c.voltageSetMV, c.voltageActualMV)
	}
}

func TestCdbAssistParser_CurrentLine(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "120ma/118ma")
	if c.currentSetMA != 120 || c.currentActualMA != 118 {
		t.Fatalf("got set=%d actual=%d", c.currentSetMA, c.currentActualMA)
	}
}

func TestCdbAssistParser_VrefKeyValue(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "vref=3300mv")
	if c.vref != 3300 {
		t.Fatalf("got vref=%d", c.vref)
	}
}

func TestCdbAssistParser_BoolKeys(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "vbat:on")
	if !c.vbat {
		t.Fatal("expected vbat true")
	}
	feed(c, "vbat:off")
	if c.vbat {
		t.Fatal("expected vbat false")
	}
	feed(c, "btn2:on")
	if !c.btn[1] {
		t.Fatal("expected btn2 true")
	}
}

func TestCdbAssistParser_GarbageResetsToIdle(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "12x")
	if c.state != cdbStateIdle {
		t.Fatalf("expected idle after garbage, got state %d", c.state)
	}
	feed(c, "5000mv/4950mv")
	if c.voltageSetMV != 5000 {
		t.Fatal("parser should recover after a garbage byte")
	}
}

func TestCdbAssistParser_MultipleLinesInSequence(t *testing.T) {
	c := &cdbAssist{}
	feed(c, "5000mv/4950mv120ma/118mavref=3300mv")
	if c.voltageSetMV != 5000 || c.currentSetMA != 120 || c.vref != 3300 {
		t.Fatalf("got voltage=%d current=%d vref=%d", c.voltageSetMV, c.currentSetMA, c.vref)
	}
}
