package ftp

import "testing"

func TestSessionState_TypeTracking(t *testing.T) {
	t.Parallel()
	s := newSessionState()

	if !s.needsRetype(typeBinary) {
		t.Error("needsRetype should be true right after construction (force-retype)")
	}

	s.applyType(typeBinary)
	if s.needsRetype(typeBinary) {
		t.Error("needsRetype should be false once the type has been applied")
	}
	if s.needsRetype(typeASCII) {
		// correct: different type always needs a retype
	} else {
		t.Error("needsRetype should be true for a different type")
	}

	s.setForceRetype()
	if !s.needsRetype(typeBinary) {
		t.Error("needsRetype should be true again after setForceRetype")
	}
}

func TestSessionState_EPSVLatch(t *testing.T) {
	t.Parallel()
	s := newSessionState()
	if s.isEPSVUnsupported() {
		t.Fatal("EPSV should be assumed supported initially")
	}
	s.setEPSVUnsupported()
	if !s.isEPSVUnsupported() {
		t.Error("EPSV latch should stick once tripped")
	}
}

func TestSessionState_BlockedPorts(t *testing.T) {
	t.Parallel()
	s := newSessionState()
	if s.isBlocked(4021) {
		t.Fatal("no ports should be blocked initially")
	}
	s.blockPort(4021)
	if !s.isBlocked(4021) {
		t.Error("port should be blocked after blockPort")
	}
	if s.isBlocked(4022) {
		t.Error("an unrelated port should not be blocked")
	}
}

func TestSessionState_CachedPWD(t *testing.T) {
	t.Parallel()
	s := newSessionState()
	if _, ok := s.getCachedPWD(); ok {
		t.Fatal("no PWD should be cached initially")
	}
	s.cachePWD("/home/user")
	pwd, ok := s.getCachedPWD()
	if !ok || pwd != "/home/user" {
		t.Errorf("getCachedPWD() = (%q, %v), want (/home/user, true)", pwd, ok)
	}
	s.invalidatePWD()
	if _, ok := s.getCachedPWD(); ok {
		t.Error("PWD cache should be invalid after invalidatePWD")
	}
}

func TestSessionState_Features(t *testing.T) {
	t.Parallel()
	s := newSessionState()
	if s.hasFeature("PRET") {
		t.Fatal("no features should be set initially")
	}
	s.setFeatures(map[string]string{"PRET": "", "MDTM": ""})
	if !s.hasFeature("PRET") {
		t.Error("hasFeature(PRET) should be true after setFeatures")
	}
	if s.hasFeature("REST") {
		t.Error("hasFeature(REST) should be false, it was never set")
	}

	snap := s.featuresSnapshot()
	snap["PRET"] = "mutated"
	if !s.hasFeature("PRET") {
		t.Fatal("hasFeature(PRET) should still be true")
	}
	s.mu.Lock()
	original := s.features["PRET"]
	s.mu.Unlock()
	if original == "mutated" {
		t.Error("featuresSnapshot should return a copy, not the live map")
	}
}

func TestSessionState_Reset(t *testing.T) {
	t.Parallel()
	s := newSessionState()
	s.applyType(typeASCII)
	s.setEPSVUnsupported()
	s.setFeatures(map[string]string{"PRET": ""})
	s.cachePWD("/tmp")

	s.reset()

	if s.currentDataType() != typeBinary {
		t.Error("reset should restore the default binary type")
	}
	if s.isEPSVUnsupported() {
		t.Error("reset should clear the EPSV-unsupported latch")
	}
	if s.hasFeature("PRET") {
		t.Error("reset should clear the feature set")
	}
	if _, ok := s.getCachedPWD(); ok {
		t.Error("reset should invalidate the cached PWD")
	}
	if !s.needsRetype(typeBinary) {
		t.Error("reset should re-arm the force-retype flag")
	}
}
