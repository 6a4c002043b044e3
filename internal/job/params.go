package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json names so messages match the wire contract.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	v.RegisterValidation("entity", func(fl validator.FieldLevel) bool {
		return IsSupportedEntity(EntityType(fl.Field().String()))
	})
	return v
}

var messages = map[string]string{
	"required": "is required",
	"min":      "must contain at least %s item(s)",
	"gte":      "must be greater than or equal to %s",
	"oneof":    "must be one of: %s",
	"entity":   "is not a supported entity type",
	"dive":     "contains an invalid value",
}

// validateStruct runs the struct tags on s and folds the failures into a
// ValidationError keyed by json field name.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("request", err.Error())
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid (" + fe.Tag() + ")"
		}
		if strings.Contains(msg, "%s") {
			msg = fmt.Sprintf(msg, fe.Param())
		}
		out.Fields[fieldPath(fe)] = msg
	}
	return out
}

// fieldPath drops the struct name prefix: "ExportParams.fields" -> "fields".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i != -1 {
		return ns[i+1:]
	}
	return fe.Field()
}

// ExportParams is the payload used to start an export job.
type ExportParams struct {
	EntityType    EntityType     `json:"entityType" validate:"required,entity"`
	Format        Format         `json:"format" validate:"required,oneof=csv excel json pdf"`
	Fields        []string       `json:"fields" validate:"required,min=1,dive,required"`
	Filters       map[string]any `json:"filters,omitempty"`
	EmailDelivery bool           `json:"emailDelivery,omitempty"`
	CustomName    string         `json:"customName,omitempty"`
	TemplateID    string         `json:"templateId,omitempty"`
}

func (p *ExportParams) Validate() error {
	return validateStruct(p)
}

// Upload is a file selected for import.
type Upload struct {
	Name    string
	Content []byte
}

var importExts = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xls":  true,
	".json": true,
}

// IsImportable reports whether a file name carries an extension the backend
// can parse.
func IsImportable(name string) bool {
	return importExts[strings.ToLower(filepath.Ext(name))]
}

// ImportParams is the payload used to start an import job.
type ImportParams struct {
	EntityType   EntityType `json:"entityType" validate:"required,entity"`
	File         *Upload    `json:"file" validate:"-"`
	TemplateID   string     `json:"templateId,omitempty"`
	ValidateOnly bool       `json:"validateOnly,omitempty"`
}

func (p *ImportParams) Validate() error {
	err := validateStruct(p)
	var verr *ValidationError
	if err != nil && !errors.As(err, &verr) {
		return err
	}
	if verr == nil {
		verr = &ValidationError{Fields: map[string]string{}}
	}
	switch {
	case p.File == nil || p.File.Name == "":
		verr.Fields["file"] = "is required"
	case len(p.File.Content) == 0:
		verr.Fields["file"] = "must not be empty"
	case !IsImportable(p.File.Name):
		verr.Fields["file"] = "must be a .csv, .xlsx, .xls or .json file"
	}
	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

// BulkExportParams starts one export job spanning several entity types.
type BulkExportParams struct {
	EntityTypes []EntityType `json:"entityTypes" validate:"required,min=1,dive,entity"`
	Format      Format       `json:"format" validate:"required,oneof=csv excel json pdf"`
}

func (p *BulkExportParams) Validate() error {
	return validateStruct(p)
}

// ValidateBulkImport checks every entry of a bulk import request.
func ValidateBulkImport(items []ImportParams) error {
	if len(items) == 0 {
		return NewValidationError("files", "must contain at least 1 item(s)")
	}
	out := &ValidationError{Fields: map[string]string{}}
	for i := range items {
		err := items[i].Validate()
		if err == nil {
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		for k, v := range verr.Fields {
			out.Fields[fmt.Sprintf("files[%d].%s", i, k)] = v
		}
	}
	if len(out.Fields) == 0 {
		return nil
	}
	return out
}

// Validate checks the fields every export template needs.
func (t *ExportTemplate) Validate() error {
	return validateStruct(&exportTemplateRules{
		Name:       t.Name,
		EntityType: t.EntityType,
		Fields:     t.Fields,
	})
}

type exportTemplateRules struct {
	Name       string     `json:"name" validate:"required"`
	EntityType EntityType `json:"entityType" validate:"required,entity"`
	Fields     []string   `json:"fields" validate:"required,min=1"`
}

// Validate checks the fields every import template needs.
func (t *ImportTemplate) Validate() error {
	return validateStruct(&importTemplateRules{
		Name:         t.Name,
		EntityType:   t.EntityType,
		FieldMapping: t.FieldMapping,
	})
}

type importTemplateRules struct {
	Name         string            `json:"name" validate:"required"`
	EntityType   EntityType        `json:"entityType" validate:"required,entity"`
	FieldMapping map[string]string `json:"fieldMapping" validate:"required,min=1"`
}
