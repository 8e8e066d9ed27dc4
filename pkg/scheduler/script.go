package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// ScriptSpec describes one launch script.
type ScriptSpec struct {
	Path    string
	JobName JobName

	// Executable, when set, is an MPI program launched with MPICommand across
	// Cores ranks. Otherwise Command is run as-is.
	Executable string
	MPICommand string
	Command    string

	Cores    int
	Nodes    int
	Queue    string
	Account  string
	Walltime string
}

var scriptTemplates = map[Backend]*template.Template{
	BackendSlurm: template.Must(template.New("slurm").Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
#SBATCH --output={{.Name}}.out
#SBATCH --error={{.Name}}.err
{{- if .Nodes}}
#SBATCH --nodes={{.Nodes}}
{{- end}}
{{- if .Cores}}
#SBATCH --ntasks={{.Cores}}
{{- end}}
{{- if .Queue}}
#SBATCH --partition={{.Queue}}
{{- end}}
{{- if .Account}}
#SBATCH --account={{.Account}}
{{- end}}
{{- if .Walltime}}
#SBATCH --time={{.Walltime}}
{{- end}}
cd {{.Dir}}
{{.Run}}
`)),
	BackendPBS: template.Must(template.New("pbs").Parse(`#!/bin/bash
#PBS -N {{.Name}}
#PBS -o {{.Dir}}/{{.Name}}.out
#PBS -e {{.Dir}}/{{.Name}}.err
{{- if .Cores}}
#PBS -l select={{.NodesOrOne}}:ncpus={{.CoresPerNode}}:mpiprocs={{.CoresPerNode}}
{{- end}}
{{- if .Queue}}
#PBS -q {{.Queue}}
{{- end}}
{{- if .Account}}
#PBS -A {{.Account}}
{{- end}}
{{- if .Walltime}}
#PBS -l walltime={{.Walltime}}
{{- end}}
cd {{.Dir}}
{{.Run}}
`)),
	BackendLSF: template.Must(template.New("lsf").Parse(`#!/bin/bash
#BSUB -J {{.Name}}
#BSUB -o {{.Dir}}/{{.Name}}.out
#BSUB -e {{.Dir}}/{{.Name}}.err
{{- if .Cores}}
#BSUB -n {{.Cores}}
{{- end}}
{{- if .Queue}}
#BSUB -q {{.Queue}}
{{- end}}
{{- if .Account}}
#BSUB -P {{.Account}}
{{- end}}
{{- if .Walltime}}
#BSUB -W {{.Walltime}}
{{- end}}
cd {{.Dir}}
{{.Run}}
`)),
	BackendMPI: template.Must(template.New("mpi").Parse(`#!/bin/bash
cd {{.Dir}}
{{.Run}}
`)),
}

type scriptData struct {
	Name     string
	Dir      string
	Run      string
	Cores    int
	Nodes    int
	Queue    string
	Account  string
	Walltime string
}

func (d scriptData) NodesOrOne() int {
	if d.Nodes > 0 {
		return d.Nodes
	}
	return 1
}

func (d scriptData) CoresPerNode() int {
	n := d.NodesOrOne()
	per := d.Cores / n
	if per < 1 {
		return 1
	}
	return per
}

// Render produces the script body for backend b.
func Render(b Backend, spec ScriptSpec) ([]byte, error) {
	tmpl, ok := scriptTemplates[b]
	if !ok {
		return nil, fmt.Errorf("no launch script template for backend %q", b)
	}
	dir, err := filepath.Abs(filepath.Dir(spec.Path))
	if err != nil {
		return nil, err
	}
	run, err := runLine(b, spec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, scriptData{
		Name:     spec.JobName.String(),
		Dir:      dir,
		Run:      run,
		Cores:    spec.Cores,
		Nodes:    spec.Nodes,
		Queue:    spec.Queue,
		Account:  spec.Account,
		Walltime: spec.Walltime,
	})
	if err != nil {
		return nil, fmt.Errorf("render launch script: %w", err)
	}
	return buf.Bytes(), nil
}

// runLine builds the command line. Under the MPI backend the process must
// carry the job name: the model runs through a symlink named after the job,
// other commands through exec -a.
func runLine(b Backend, spec ScriptSpec) (string, error) {
	name := spec.JobName.String()
	if spec.Executable != "" {
		mpi := spec.MPICommand
		if mpi == "" {
			mpi = "mpiexec"
		}
		cores := spec.Cores
		if cores < 1 {
			cores = 1
		}
		exe := spec.Executable
		if b == BackendMPI {
			exe = "./" + name
		}
		return fmt.Sprintf("%s -n %d %s", mpi, cores, exe), nil
	}
	if spec.Command == "" {
		return "", errors.New("launch script needs an executable or a command")
	}
	if b == BackendMPI {
		return fmt.Sprintf("exec -a %s %s", name, spec.Command), nil
	}
	return spec.Command, nil
}

// EnsureScript writes the launch script unless one already exists. It never
// overwrites. The returned bool reports whether a new script was written.
func EnsureScript(b Backend, spec ScriptSpec) (bool, error) {
	body, err := Render(b, spec)
	if err != nil {
		return false, err
	}
	dir := filepath.Dir(spec.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create run dir: %w", err)
	}

	if b == BackendMPI && spec.Executable != "" {
		if err := linkExecutable(spec.Executable, filepath.Join(dir, spec.JobName.String())); err != nil {
			return false, err
		}
	}

	// #nosec G302 G304 -- launch scripts must be executable; path from run dir layout
	f, err := os.OpenFile(spec.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0755)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create launch script: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write launch script: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close launch script: %w", err)
	}
	return true, nil
}

func linkExecutable(target, link string) error {
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if err := os.Symlink(abs, link); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("link model executable: %w", err)
	}
	return nil
}
