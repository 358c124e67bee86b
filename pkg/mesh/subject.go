// subject.go: subject vocabulary — pure functions mapping
// (service, method/event/command, id) to subject strings, and the
// matching name/pattern validators.
//
// Key and subject shapes generalize the dot-joined keys
// builds in registry.ServiceRegistration.KVKey() (org + "." + repo + "." +
// instance) and discovery.go's org/repo-derived KV prefixes.
package mesh

import "strings"

// RPCSubject returns the subject a method handler subscribes to / a
// caller publishes a request to: "rpc.<service>.<method>".
func RPCSubject(service, method string) string {
	return "rpc." + service + "." + method
}

// EventSubject returns "events.<domain>.<event_type>".
func EventSubject(domain, eventType string) string {
	return "events." + domain + "." + eventType
}

// CommandSubject returns "commands.<service>.<command>".
func CommandSubject(service, command string) string {
	return "commands." + service + "." + command
}

// HeartbeatSubject returns "internal.heartbeat.<service>".
func HeartbeatSubject(service string) string {
	return "internal.heartbeat." + service
}

// RegisterSubject and UnregisterSubject are the internal registry
// sidebands used for push notifications outside the KV watch path.
func RegisterSubject() string   { return "internal.registry.register" }
func UnregisterSubject() string { return "internal.registry.unregister" }

// CommandProgressSubject returns "commands.progress.<id>".
func CommandProgressSubject(commandID string) string {
	return "commands.progress." + commandID
}

// CommandCallbackSubject returns "commands.callback.<id>".
func CommandCallbackSubject(commandID string) string {
	return "commands.callback." + commandID
}

// CommandCancelSubject returns "commands.cancel.<id>".
func CommandCancelSubject(commandID string) string {
	return "commands.cancel." + commandID
}

// LeaderKey returns the KV key for a sticky-active group's leader record:
// "sticky-active.<service>.<group>.leader".
func LeaderKey(service, group string) string {
	return "sticky-active." + service + "." + group + ".leader"
}

// ServiceInstanceKey returns the registry key for one instance:
// "service-instances.<service>.<instance>".
func ServiceInstanceKey(service, instance string) string {
	return "service-instances." + service + "." + instance
}

// ServiceInstancePrefix returns the prefix shared by all instances of a
// service: "service-instances.<service>.".
func ServiceInstancePrefix(service string) string {
	return "service-instances." + service + "."
}

// ElectionStateKey returns the election-aggregate persistence key, which
// must use underscores rather than dots because KV key names may not
// contain '.'.
func ElectionStateKey(service, instance, group string) string {
	return "election-state__" + service + "__" + instance + "__" + group
}

// IsValidServiceName reports whether name meets the ServiceName
// rule: lowercase, starts with a letter, letters/digits/-/_, does not end
// in -/_, length 1-64.
func IsValidServiceName(name string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	if !isLowerLetter(name[0]) {
		return false
	}
	last := name[len(name)-1]
	if last == '-' || last == '_' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(isLowerLetter(c) || isDigit(c) || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// IsValidMethodName reports whether name is lowercase snake_case, starts
// with a letter, length 1-64.
func IsValidMethodName(name string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	if !isLowerLetter(name[0]) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(isLowerLetter(c) || isDigit(c) || c == '_') {
			return false
		}
	}
	return true
}

// IsValidInstanceID reports whether id is non-empty, free of whitespace
// and control characters, and at most 128 bytes long.
func IsValidInstanceID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

// IsValidEventPattern validates a subject pattern segment-by-segment: '*'
// matches exactly one token, '>' is only valid as the final segment.
func IsValidEventPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == ">" {
			return i == len(segments)-1
		}
		if seg == "*" {
			continue
		}
		if !isValidEventTypeSegment(seg) {
			return false
		}
	}
	return true
}

// IsValidEventType reports whether an event type is dot-segmented, with
// each segment made of letters/digits/underscore, normalized lowercase.
func IsValidEventType(eventType string) bool {
	if eventType == "" {
		return false
	}
	for _, seg := range strings.Split(eventType, ".") {
		if !isValidEventTypeSegment(seg) {
			return false
		}
	}
	return true
}

func isValidEventTypeSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if !(isLowerLetter(c) || isDigit(c) || c == '_') {
			return false
		}
	}
	return true
}

func isLowerLetter(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool       { return c >= '0' && c <= '9' }

// kvDisallowed is the set of characters a KV key may not contain, per
// namespace.
const kvDisallowed = " \t.*>/\\:"

// SanitizeKVKey replaces every disallowed character with '_', matching
// key-sanitization contract. The caller is responsible for
// remembering the original key for display, per KVAdapter's contract.
func SanitizeKVKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if strings.IndexByte(kvDisallowed, c) >= 0 {
			b.WriteByte('_')
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}
