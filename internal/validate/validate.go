package validate

import (
	"errors"
	"strings"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/statusdoc"
)

const (
	msgSuccess          = "Validation successful"
	msgNilEnvelope      = "status envelope is nil"
	msgMissingPackageID = "Missing required PackageID element."
	msgNoDevices        = "Devices collection is empty or missing."
	msgMissingCategory  = "A device is missing ModuleCategoryId."
	msgMissingIndex     = "A device is missing IndexWithinRole."
	msgMissingDocument  = "A device is missing RapidControlStatus."
	msgInvalidDocument  = "Invalid RapidControlStatus format: "
	msgMissingState     = "A device is missing ModuleState in RapidControlStatus."
)

// Result lists every problem found in an envelope, in the order found.
type Result struct {
	Errors []string
}

func (r Result) IsValid() bool { return len(r.Errors) == 0 }

func (r Result) Message() string {
	if r.IsValid() {
		return msgSuccess
	}
	return strings.Join(r.Errors, "; ")
}

func (r *Result) add(msg string) {
	for _, e := range r.Errors {
		if e == msg {
			return
		}
	}
	r.Errors = append(r.Errors, msg)
}

// Envelope checks that env is complete enough to be transformed and
// published. All rules are evaluated so that every problem surfaces at once.
func Envelope(env *model.StatusEnvelope) Result {
	var res Result
	if env == nil {
		res.add(msgNilEnvelope)
		return res
	}

	if strings.TrimSpace(env.PackageID) == "" {
		res.add(msgMissingPackageID)
	}
	if len(env.Devices) == 0 {
		res.add(msgNoDevices)
	}

	for i := range env.Devices {
		dev := &env.Devices[i]
		if strings.TrimSpace(dev.ModuleCategoryID) == "" {
			res.add(msgMissingCategory)
		}
		if dev.IndexWithinRole == nil {
			res.add(msgMissingIndex)
		}
		if strings.TrimSpace(dev.StatusDocument) == "" {
			res.add(msgMissingDocument)
			continue
		}
		if _, err := statusdoc.Find(dev.StatusDocument); err != nil {
			if errors.Is(err, statusdoc.ErrMissingState) {
				res.add(msgMissingState)
			} else {
				res.add(msgInvalidDocument + err.Error())
			}
		}
	}
	return res
}
