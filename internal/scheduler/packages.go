package scheduler

import (
	"fmt"
	"path"
	"sort"

	"github.com/gobwas/glob"
)

// PackageRule maps files matching Pattern onto a logical package name.
type PackageRule struct {
	Pattern string `json:"pattern"`
	Package string `json:"package"`
}

type compiledRule struct {
	matcher glob.Glob
	pkg     string
}

// PackageInferrer derives Task.Packages from touched files for tasks that
// do not declare packages themselves.
type PackageInferrer struct {
	rules []compiledRule
}

// NewPackageInferrer compiles the rules. '/' is the glob separator, so "*"
// stays within one path segment and "**" crosses segments.
func NewPackageInferrer(rules []PackageRule) (*PackageInferrer, error) {
	p := &PackageInferrer{}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid package pattern %q: %w", r.Pattern, err)
		}
		p.rules = append(p.rules, compiledRule{matcher: g, pkg: r.Package})
	}
	return p, nil
}

// PackageFor returns the package of a single file: the first matching rule,
// or the file's directory when no rule matches.
func (p *PackageInferrer) PackageFor(file string) string {
	file = normalizePath(file)
	for _, r := range p.rules {
		if r.matcher.Match(file) {
			return r.pkg
		}
	}
	return path.Dir(file)
}

// Infer returns the sorted set of packages for the given files.
func (p *PackageInferrer) Infer(files []string) []string {
	seen := make(map[string]struct{})
	var pkgs []string
	for _, f := range files {
		pkg := p.PackageFor(f)
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// Apply fills Packages on a task that has files but no declared packages.
func (p *PackageInferrer) Apply(t *Task) {
	if len(t.Packages) > 0 || len(t.TouchedFiles) == 0 {
		return
	}
	t.Packages = p.Infer(t.TouchedFiles)
}
