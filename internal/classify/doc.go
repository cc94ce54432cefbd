// Package classify scores customer utterances against keyword lexicons.
//
// It provides the local intent classifier and sentiment scorer applied to
// every inbound turn, plus the intent-to-category and intent-to-priority
// mappings the escalation policy reads. Classification is deterministic and
// never calls out of process.
package classify
