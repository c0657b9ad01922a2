// Package multinode synchronises the jobs of a multinode group through
// the coordinator: it handles the LAVA_SEND, LAVA_SYNC, LAVA_WAIT and
// LAVA_WAIT_ALL signals of the test shell.
package multinode

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	RequestStart   = "lava_start"
	RequestSend    = "lava_send"
	RequestSync    = "lava_sync"
	RequestWait    = "lava_wait"
	RequestWaitAll = "lava_wait_all"
	RequestClear   = "clear_group"
)

const (
	ResponseAck  = "ack"
	ResponseNack = "nack"
	ResponseWait = "wait"
)

// Request is the message a client sends to the coordinator.
type Request struct {
	Request    string            `json:"request"`
	GroupName  string            `json:"group_name"`
	ClientName string            `json:"client_name"`
	Role       string            `json:"role,omitempty"`
	GroupSize  int               `json:"group_size,omitempty"`
	MessageID  string            `json:"messageID,omitempty"`
	Message    map[string]string `json:"message,omitempty"`
	// Timeout in seconds.
	Timeout int `json:"timeout,omitempty"`
}

// Response is the coordinator reply. Message maps each peer to the data
// it sent.
type Response struct {
	Response string                       `json:"response"`
	Message  map[string]map[string]string `json:"message,omitempty"`
}

// ProtocolTimeoutError is returned when the coordinator did not complete
// a request in time. The test shell records it as a failed test case.
type ProtocolTimeoutError struct {
	Request   string
	MessageID string
	Timeout   time.Duration
}

func (e *ProtocolTimeoutError) Error() string {
	return fmt.Sprintf("multinode %s %s timed out after %s", e.Request, e.MessageID, e.Timeout)
}

func (e *ProtocolTimeoutError) CaseID() string {
	return "multinode-" + e.MessageID
}

// Flatten renders a per-peer reply as "peer:key=value" tokens sorted by
// peer and key.
func Flatten(message map[string]map[string]string) string {
	peers := make([]string, 0, len(message))
	for peer := range message {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	var tokens []string
	for _, peer := range peers {
		keys := make([]string, 0, len(message[peer]))
		for k := range message[peer] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tokens = append(tokens, fmt.Sprintf("%s:%s=%s", peer, k, message[peer][k]))
		}
	}
	return strings.Join(tokens, " ")
}
