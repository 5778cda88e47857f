package models

var Subjects = []string{
	"Mathematics",
	"Physics",
	"Chemistry",
	"Biology",
	"Computer Science",
	"History",
	"Literature",
	"Geography",
	"Economics",
	"Psychology",
	"Philosophy",
	"Art",
	"Music",
	"Foreign Language",
	"Other",
}

var subjectSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Subjects))
	for _, s := range Subjects {
		m[s] = struct{}{}
	}
	return m
}()

func IsSubject(s string) bool {
	_, ok := subjectSet[s]
	return ok
}
