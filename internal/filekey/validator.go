package filekey

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

const (
	fileTimestampLayout = "20060102T150405"
	createdAtLayout     = "20060102T150405"
	expectedParts       = 5
)

// FileIdentity is what admission needs to know about a source file.
type FileIdentity struct {
	Bucket      string
	FileKey     string
	Filename    string
	VaccineType string
	Supplier    string
	ODSCode     string
	Permissions []enums.Operation
	// CreatedAt is the object creation time as "YYYYMMDDTHHMMSS00"; it names the ack artifacts.
	CreatedAt string
}

// QueueName is the per-supplier, per-vaccine serialization key.
func (f FileIdentity) QueueName() string {
	return QueueName(f.Supplier, f.VaccineType)
}

// QueueName formats "{supplier}_{vaccine_type}".
func QueueName(supplier, vaccineType string) string {
	return strings.ToUpper(supplier) + "_" + strings.ToUpper(vaccineType)
}

// Allows reports whether op was granted to the supplier for this file.
func (f FileIdentity) Allows(op enums.Operation) bool {
	for _, granted := range f.Permissions {
		if granted == op {
			return true
		}
	}
	return false
}

// FormatCreatedAt renders an object creation time the way ack names expect.
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(createdAtLayout) + "00"
}

type supplierDirectory interface {
	SupplierForODS(code string) (string, bool)
	IsVaccineType(v string) bool
}

// Validator parses "{VACCINE}_Vaccinations_v5_{ODS}_{timestamp}.csv" keys and checks supplier permissions.
type Validator struct {
	directory   supplierDirectory
	permissions PermissionSource
}

// NewValidator builds a validator. permissions is typically a CachedPermissions over the registry.
func NewValidator(directory supplierDirectory, permissions PermissionSource) (*Validator, error) {
	if directory == nil {
		return nil, fmt.Errorf("supplier directory required")
	}
	if permissions == nil {
		return nil, fmt.Errorf("permission source required")
	}
	return &Validator{directory: directory, permissions: permissions}, nil
}

// Validate resolves the identity of the object at bucket/key. Validation failures carry VALIDATION_ERROR;
// permission lookup failures are returned as dependency errors.
func (v *Validator) Validate(ctx context.Context, bucket, key string, timeCreated time.Time) (FileIdentity, error) {
	filename := path.Base(key)
	id := FileIdentity{
		Bucket:    bucket,
		FileKey:   key,
		Filename:  filename,
		CreatedAt: FormatCreatedAt(timeCreated),
	}

	ext := path.Ext(filename)
	if !strings.EqualFold(ext, ".csv") {
		return id, invalid(filename, "file extension must be .csv")
	}
	parts := strings.Split(strings.TrimSuffix(filename, ext), "_")
	if len(parts) != expectedParts {
		return id, invalid(filename, "file name must have five underscore separated parts")
	}

	vaccine := strings.ToUpper(parts[0])
	if !v.directory.IsVaccineType(vaccine) {
		return id, invalid(filename, "unknown vaccine type "+parts[0])
	}
	if !strings.EqualFold(parts[1], "VACCINATIONS") {
		return id, invalid(filename, "second part must be Vaccinations")
	}
	if !strings.EqualFold(parts[2], "V5") {
		return id, invalid(filename, "unsupported file version "+parts[2])
	}
	ods := strings.ToUpper(parts[3])
	supplier, ok := v.directory.SupplierForODS(ods)
	if !ok {
		return id, invalid(filename, "unknown ods code "+parts[3])
	}
	if len(parts[4]) < len(fileTimestampLayout) {
		return id, invalid(filename, "timestamp too short")
	}
	if _, err := time.Parse(fileTimestampLayout, strings.ToUpper(parts[4][:len(fileTimestampLayout)])); err != nil {
		return id, invalid(filename, "timestamp is not "+fileTimestampLayout)
	}

	id.VaccineType = vaccine
	id.ODSCode = ods
	id.Supplier = supplier

	perms, err := v.permissions.Permissions(ctx, supplier)
	if err != nil {
		return id, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load supplier permissions")
	}
	id.Permissions = AllowedOperations(perms, vaccine)
	if len(id.Permissions) == 0 {
		return id, invalid(filename, fmt.Sprintf("supplier %s has no %s permissions", supplier, vaccine))
	}
	return id, nil
}

func invalid(filename, reason string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, reason).WithDetails(map[string]string{"filename": filename})
}

// Reason extracts the human-readable reason from a validation error, for failure acks.
func Reason(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	return err.Error()
}
