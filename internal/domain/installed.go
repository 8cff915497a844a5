package domain

import "time"

// InstalledPackageReference is a read-only snapshot of one package installed into a project.
type InstalledPackageReference struct {
	ProjectID      ProjectID
	Package        PackageIdentity
	AutoReferenced bool
	RequestedRange string
	Dependencies   []PackageDependency
	InstalledAt    time.Time
}

// FindInstalled returns the installed reference for one package id.
func FindInstalled(refs []InstalledPackageReference, packageID string) (InstalledPackageReference, bool) {
	for _, ref := range refs {
		if SamePackageID(ref.Package.ID, packageID) {
			return ref, true
		}
	}
	return InstalledPackageReference{}, false
}

// Dependents lists installed packages that declare a dependency on packageID.
func Dependents(refs []InstalledPackageReference, packageID string) []InstalledPackageReference {
	out := make([]InstalledPackageReference, 0)
	for _, ref := range refs {
		if SamePackageID(ref.Package.ID, packageID) {
			continue
		}
		if DependsOn(ref.Dependencies, packageID) {
			out = append(out, ref)
		}
	}
	return out
}
