// Package protocol builds the four remote shell wrappers the dispatcher
// issues against a worker's working directory: START, CHECK, FETCH and
// CLEANUP. Each wrapper is parameterized by the worker's working directory
// and the per-run KEY, and wraps a user-supplied TASK shell fragment.
package protocol

import "fmt"

// fileNames returns the four per-run remote file names.
func fileNames(key string) (in, out, errf, pid string) {
	return "kssh_" + key + "_in",
		"kssh_" + key + "_out",
		"kssh_" + key + "_err",
		"kssh_" + key + "_pid"
}

// Start builds the START wrapper: the received stdin becomes the input
// file; the pid file is created before a daemonized background monitor
// runs TASK against the input file, writes the task's pid into the pid
// file every second while the task is alive, and on exit overwrites the
// pid file with "Done,<exit_code>". START prints the pid file's initial
// mtime to stdout.
//
// The received stdin is consumed exactly once, by cat into the input file;
// TASK reads that file and the input is never re-substituted into the task
// line.
func Start(wd, key, task string) string {
	in, out, errf, pid := fileNames(key)
	return fmt.Sprintf(`mkdir -p %[1]s && cd %[1]s && cat > %[2]s && : > %[5]s && (
  (
    %[6]s <%[2]s >%[3]s 2>%[4]s &
    child=$!
    while kill -0 "$child" 2>/dev/null; do
      echo "$child" > %[5]s
      sleep 1
    done
    wait "$child"
    code=$?
    echo "Done,$code" > %[5]s
  ) </dev/null >/dev/null 2>&1 &
)
date +%%s -r %[5]s 2>/dev/null || stat -c %%Y %[5]s`,
		wd, in, out, errf, pid, task)
}

// Check builds the CHECK wrapper: reads and stat's the pid file, printing
// a single CSV line "mtime,pid[,exit_code[,size]]". Missing trailing
// fields are acceptable to the dispatcher's parser — START only ever
// writes "Done,$code", never a size.
func Check(wd, key string) string {
	_, _, _, pid := fileNames(key)
	return fmt.Sprintf(`cd %[1]s && mtime=$(date +%%s -r %[2]s 2>/dev/null || stat -c %%Y %[2]s) && content=$(cat %[2]s) && echo "$mtime,$content"`,
		wd, pid)
}

// Fetch builds the FETCH wrapper: concatenates the stdout file to stdout
// and the stderr file to stderr, for the dispatcher to redirect into local
// temp files.
func Fetch(wd, key string) string {
	_, out, errf, _ := fileNames(key)
	return fmt.Sprintf(`cd %[1]s && cat %[2]s && cat %[3]s 1>&2`, wd, out, errf)
}

// Cleanup builds the destructive CLEANUP wrapper: removes every file in the
// worker's working directory. Gated behind --cleanup-remote by the caller.
func Cleanup(wd string) string {
	return fmt.Sprintf(`cd %[1]s && rm -rf -- ./*`, wd)
}

// InitFile builds the initialization transaction that broadcasts a file to
// a worker before dispatch begins.
func InitFile(wd, basename string) string {
	return fmt.Sprintf(`mkdir -p %[1]s && cd %[1]s && cat > %[2]s`, wd, basename)
}

// InitScript builds the initialization transaction that broadcasts and
// executes a script on a worker before dispatch begins.
func InitScript(wd, basename string) string {
	return fmt.Sprintf(`mkdir -p %[1]s && cd %[1]s && cat > %[2]s && chmod a+x %[2]s && ./%[2]s`, wd, basename)
}
