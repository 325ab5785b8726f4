package executor

import "taskplane/internal/env"

// ignoredMarker records that an ignorable step failed. $$ expands to the top level shell
// pid inside subshells too, so every step of one script sees the same path.
const ignoredMarker = `"${TMPDIR:-/tmp}/.taskplane-ignored-$$"`

// prepareSteps rewrites steps marked IgnoreFailure so their failure does not abort the
// chain. With failOnIgnored a trailing step turns any ignored failure into exit code 1
// once every other step ran.
func prepareSteps(steps []env.TaskStep, failOnIgnored bool) []env.TaskStep {
	out := make([]env.TaskStep, 0, len(steps)+1)
	ignored := false
	for _, s := range steps {
		if !s.IgnoreFailure || s.Script == "" {
			out = append(out, s)
			continue
		}
		ignored = true
		fallback := "true"
		if failOnIgnored {
			fallback = "touch " + ignoredMarker
		}
		s.Script = "(\n" + s.Script + "\n) || " + fallback
		out = append(out, s)
	}
	if ignored && failOnIgnored {
		out = append(out, env.TaskStep{
			Name: "ignored-failures",
			Script: "if [ -e " + ignoredMarker + " ]; then rm -f " + ignoredMarker +
				"; echo 'an ignored step failed' >&2; exit 1; fi",
		})
	}
	return out
}
