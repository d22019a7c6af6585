package monitor

import (
	"fmt"
	"strings"

	"citewatch/internal/observer"
	"citewatch/internal/types"
)

func (d *Detector) subject(value int64) string {
	s := fmt.Sprintf("Citations: %d", value)
	if d.cfg.Label != "" {
		s = d.cfg.Label + " " + s
	}
	return s
}

func (d *Detector) attachment(obs observer.Observation, name string) []types.Attachment {
	if len(obs.Artifact) == 0 {
		return nil
	}
	return []types.Attachment{{
		Filename:  name,
		MediaType: obs.MediaType,
		SubType:   obs.SubType,
		Data:      obs.Artifact,
	}}
}

// changeEnvelope describes a confirmed change of value.
func (d *Detector) changeEnvelope(obs observer.Observation, name string) types.Envelope {
	links := d.cfg.Links
	body := fmt.Sprintf("Current citations: %d\nScreenshot URL: %s\nUpdate: %s\nLatest: %s",
		obs.Value, links.Screenshot(name), links.Update(), links.Latest())
	return types.Envelope{
		Subject:     d.subject(obs.Value),
		Body:        body,
		Link:        links.Latest(),
		Attachments: d.attachment(obs, name),
		Recipients:  types.MergeRecipients(d.cfg.Recipients),
	}
}

// milestoneEnvelope is the one-off message sent when the target is reached.
func (d *Detector) milestoneEnvelope(obs observer.Observation, name string) types.Envelope {
	links := d.cfg.Links
	var b strings.Builder
	fmt.Fprintf(&b, "Congratulations! Citations reached %d, meeting the target of %d.\n", obs.Value, d.cfg.Target)
	fmt.Fprintf(&b, "Screenshot URL: %s\nLatest: %s\n", links.Screenshot(name), links.Latest())
	b.WriteString("Polling has stopped.")
	return types.Envelope{
		Subject:     fmt.Sprintf("%s (target %d reached)", d.subject(obs.Value), d.cfg.Target),
		Body:        b.String(),
		Link:        links.Latest(),
		Attachments: d.attachment(obs, name),
		Recipients:  types.MergeRecipients(d.ownerRecipients(), d.cfg.MilestoneRecipients),
	}
}

// ownerRecipients returns the configured recipients, or the sending account
// when none are configured, so extra milestone recipients never replace the
// owner.
func (d *Detector) ownerRecipients() []string {
	if len(d.cfg.Recipients) > 0 {
		return d.cfg.Recipients
	}
	if a, ok := d.cfg.Sender.(interface{ Address() string }); ok && a.Address() != "" {
		return []string{a.Address()}
	}
	return nil
}
