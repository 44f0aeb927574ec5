package senders

import (
	"fmt"
)

type deadLetterAlertFormat struct {
	task string
	err  error
}

func (af *deadLetterAlertFormat) Subject() string {
	return fmt.Sprintf("Feedrelay: task %s exhausted its retries", af.task)
}

func (af *deadLetterAlertFormat) Body() string {
	return fmt.Sprintf(
		`
			<h3>Task <code>%s</code> was dead-lettered</h3>
			<br>
			<pre>%s</pre>
			<br>
			The remote party may be down or misbehaving; the affected
			subscription keeps its last well-defined state.
		`,
		af.task, af.err,
	)
}

// FormatDeadLetter builds the alert message for an exhausted task.
func FormatDeadLetter(task string, err error) (subject, body string) {
	af := &deadLetterAlertFormat{task, err}
	return af.Subject(), af.Body()
}
