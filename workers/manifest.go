// Copyright (c) 2024 The ScientistCloud Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package workers

import (
	"encoding/json"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/frictionlessdata/datapackage-go/validator"

	"github.com/scientistcloud/ucp/datasets"
)

// the manifest a successful conversion leaves in its output directory
const manifestFilename = "datapackage.json"

var resourceNamePattern = regexp.MustCompile(`[^a-z0-9._/-]`)

// Writes a Frictionless data package manifest describing a conversion's
// output directory, so downstream viewers can discover the converted
// resources without walking the tree. The descriptor is validated before it
// is written.
func writeManifest(d *datasets.Dataset, outputDir string) error {
	var resources []map[string]any
	err := filepath.WalkDir(outputDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if entry.Name() == manifestFilename || entry.Name() == lockFilename {
			return nil
		}
		relative, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		resources = append(resources, map[string]any{
			"name":   resourceName(relative),
			"path":   relative,
			"format": strings.TrimPrefix(filepath.Ext(relative), "."),
		})
		return nil
	})
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return &ConverterError{Stderr: "the converter produced no output files"}
	}

	descriptor := map[string]any{
		"name":      d.Slug,
		"title":     d.Name,
		"resources": resources,
		"sensor":    string(d.Sensor),
	}
	encoded, err := json.Marshal(descriptor)
	if err != nil {
		return err
	}
	// round-trip through the validator so a malformed manifest never lands
	// on disk
	pkg, err := datapackage.FromString(string(encoded),
		filepath.Join(outputDir, manifestFilename), validator.InMemoryLoader())
	if err != nil {
		return err
	}
	return pkg.SaveDescriptor(filepath.Join(outputDir, manifestFilename))
}

// derives a descriptor-safe resource name from a relative path
func resourceName(relative string) string {
	name := strings.ToLower(relative)
	name = resourceNamePattern.ReplaceAllString(name, "_")
	name = strings.ReplaceAll(name, "/", "-")
	return name
}
