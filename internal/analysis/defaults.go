package analysis

import "github.com/jkaninda/checkbench/internal/sandbox"

// DefaultFiles is the starter project the editor opens with.
func DefaultFiles() []sandbox.File {
	return []sandbox.File{
		{
			Name: "main.py",
			Content: "from helpers import greet\n\n" +
				"def run() -> None:\n" +
				"    print(greet('world'))\n\n" +
				"if __name__ == '__main__':\n" +
				"    run()\n",
		},
		{
			Name:    "helpers.py",
			Content: "def greet(name: str) -> str:\n    return f'hello, {name}'\n",
		},
	}
}
