package ftp

import "sync"

// dataType is the current FTP data representation.
type dataType string

const (
	typeASCII  dataType = "A"
	typeBinary dataType = "I"
)

// sessionState holds the per-client negotiated flags: current TYPE, the
// FEAT feature set, the EPSV-unsupported latch, the blocked-port set, a
// cached working directory, the force-retype flag and the data-connection
// mode preference. It is reset on each fresh control connection.
type sessionState struct {
	mu sync.Mutex

	currentType    dataType
	forceRetype    bool
	epsvUnsupported bool

	features map[string]string

	blockedPorts map[int]bool

	cachedPWD string
	pwdValid  bool

	preferredMode DataChannelMode
}

func newSessionState() *sessionState {
	return &sessionState{
		currentType:   typeBinary,
		forceRetype:   true, // first transfer after a fresh connect always re-asserts TYPE
		features:      nil,
		blockedPorts:  map[int]bool{},
		preferredMode: AutoPassive,
	}
}

func (s *sessionState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentType = typeBinary
	s.forceRetype = true
	s.epsvUnsupported = false
	s.features = nil
	s.cachedPWD = ""
	s.pwdValid = false
}

func (s *sessionState) setEPSVUnsupported() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epsvUnsupported = true // latch only ever flips false -> true
}

func (s *sessionState) isEPSVUnsupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsvUnsupported
}

func (s *sessionState) invalidatePWD() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pwdValid = false
}

func (s *sessionState) cachePWD(pwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedPWD = pwd
	s.pwdValid = true
}

func (s *sessionState) getCachedPWD() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedPWD, s.pwdValid
}

func (s *sessionState) blockPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedPorts[port] = true
}

func (s *sessionState) isBlocked(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedPorts[port]
}

func (s *sessionState) currentDataType() dataType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentType
}

// applyType records the accepted TYPE and clears the force-retype flag.
func (s *sessionState) applyType(t dataType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentType = t
	s.forceRetype = false
}

func (s *sessionState) needsRetype(t dataType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceRetype || s.currentType != t
}

func (s *sessionState) setForceRetype() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceRetype = true
}

// hasFeature reports whether FEAT advertised name (used for the PRET
// check, among others). Returns false if FEAT was never issued or didn't
// list it.
func (s *sessionState) hasFeature(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.features == nil {
		return false
	}
	_, ok := s.features[name]
	return ok
}

func (s *sessionState) setFeatures(features map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = features
}

func (s *sessionState) featuresSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.features))
	for k, v := range s.features {
		out[k] = v
	}
	return out
}
